package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fibreel-media/config"
	"fibreel-media/internal/handler"
	"fibreel-media/internal/middleware"
	appredis "fibreel-media/internal/redis"
	"fibreel-media/internal/services"
	"fibreel-media/internal/transport/httpdto"
	"fibreel-media/internal/websocket"
	"fibreel-media/pkg/database"
	"fibreel-media/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

// Handlers bundles everything SetupRoutes wires into the engine.
type Handlers struct {
	Upload   *handler.UploadHandler
	Merge    *handler.MergeHandler
	Media    *handler.MediaHandler
	Events   *websocket.Handler
	Verifier *services.TokenVerifier
	Limiter  *appredis.RateLimiter
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.Server.Mode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.Server.Mode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
			Handler: engine,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) SetupRoutes(handlers *Handlers, db *sql.DB, redisClient *goredis.Client, registry *prometheus.Registry) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.CORSMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if err := database.HealthCheck(c.Request.Context(), db); err != nil {
			c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
			return
		}
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	if registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	auth := middleware.AuthMiddleware(handlers.Verifier)

	uploads := s.engine.Group("/v1/uploads", auth, middleware.UploadRateLimitMiddleware(handlers.Limiter))
	{
		uploads.POST("/initiate", handlers.Upload.Initiate)
		uploads.PUT("/:id/chunk", handlers.Upload.Chunk)
		uploads.POST("/:id/complete", handlers.Upload.Complete)
		uploads.GET("/:id/status", handlers.Upload.Status)
	}

	merges := s.engine.Group("/v1/merges")
	{
		merges.POST("", auth, middleware.MergeRateLimitMiddleware(handlers.Limiter), handlers.Merge.Submit)
		merges.GET("/:id/status", auth, handlers.Merge.Status)
		// The events stream authenticates inside the upgrade handler: browser
		// WebSocket clients cannot send an Authorization header.
		merges.GET("/:id/events", handlers.Events.Events)
	}

	v1 := s.engine.Group("/v1", auth)
	{
		v1.GET("/challenges/:id/segments", handlers.Media.Segments)
		v1.GET("/media/:id", handlers.Media.Stream)
	}
}

func (s *Server) Start() error {
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.Server.Port)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Errorf("Error in starting the server: %s", err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	if s.logger != nil {
		s.logger.Infof("Server is running on :%s", s.config.Server.Port)
	}

	<-quit

	if s.logger != nil {
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		if s.logger != nil {
			s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}

	return nil
}
