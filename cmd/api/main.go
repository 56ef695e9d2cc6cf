package main

import (
	"context"
	"log"
	"time"

	"fibreel-media/config"
	"fibreel-media/internal/ffmpeg"
	"fibreel-media/internal/handler"
	"fibreel-media/internal/metrics"
	"fibreel-media/internal/notify"
	appredis "fibreel-media/internal/redis"
	"fibreel-media/internal/repository"
	"fibreel-media/internal/server"
	"fibreel-media/internal/services"
	"fibreel-media/internal/storage"
	"fibreel-media/internal/websocket"
	"fibreel-media/pkg/database"
	"fibreel-media/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.LoadConfig()

	logMode := logger.DevelopmentMode
	if cfg.Server.Mode == server.ReleaseMode {
		logMode = logger.ProductionMode
	}
	l := logger.New(logMode)
	defer l.Sync()

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.ApplyRawMigrations(ctx, db, "migrations"); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	redisClient := appredis.NewClient(appredis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := appredis.HealthCheck(ctx, redisClient); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open %s storage: %v", cfg.Storage.Driver, err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	uploadRepo := repository.NewUploadRepository(db)
	mergeRepo := repository.NewMergeRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)

	progress := appredis.NewProgressStore(redisClient, cfg.Merge.SessionRetention)
	limiter := appredis.NewRateLimiter(redisClient, appredis.RateLimitConfig{
		UploadLimit:  cfg.RateLimit.UploadsPerMinute,
		UploadWindow: time.Minute,
		MergeLimit:   cfg.RateLimit.MergesPerMinute,
		MergeWindow:  time.Minute,
	})

	tools := ffmpeg.NewToolchain(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, ffmpeg.NewRunner(l))

	var notifier notify.Notifier
	if cfg.Webhook.URL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Webhook, l)
	}

	mergeService := services.NewMergeService(
		mergeRepo, uploadRepo, artifactRepo,
		store, tools, progress, notifier,
		cfg.Merge, cfg.Media.WorkDir, l, m,
	)
	uploadService := services.NewUploadService(uploadRepo, store, store, mergeService, cfg.Upload, l, m)
	mediaService := services.NewMediaService(artifactRepo, store, l, m)
	verifier := services.NewTokenVerifier(cfg.Auth.JWTSecret)

	worker := services.NewMergeWorker(mergeService, cfg.Merge, l)
	worker.Start()

	sweeper, err := services.NewSweeper(uploadRepo, mergeRepo, store, cfg.Upload, cfg.Merge, l)
	if err != nil {
		log.Fatalf("Failed to build sweeper: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}

	handlers := &server.Handlers{
		Upload:   handler.NewUploadHandler(uploadService, cfg.Upload),
		Merge:    handler.NewMergeHandler(mergeService),
		Media:    handler.NewMediaHandler(mediaService),
		Events:   websocket.NewHandler(verifier, mergeService, progress, l),
		Verifier: verifier,
		Limiter:  limiter,
	}

	srv := server.New(cfg, l)
	srv.SetupRoutes(handlers, db, redisClient, registry)

	// Start blocks until SIGTERM/SIGINT, then shuts the listener down.
	if err := srv.Start(); err != nil {
		l.Errorf("Server shutdown error: %v", err)
	}

	worker.Stop()
	sweeper.Stop()
}

// newStore opens the configured blob backend. Both drivers serve chunk
// staging and finished objects.
func newStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Driver == "s3" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
		})
	}
	return storage.NewFSStore(cfg.FSRoot)
}
