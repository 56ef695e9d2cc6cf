package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"fibreel-media/internal/redis"
	"fibreel-media/internal/services"
	"fibreel-media/internal/transport/httpdto"
	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler streams merge status documents over a WebSocket. Each connection
// watches exactly one merge session: the current document is sent on connect,
// every transition is pushed as it is published, and the server closes the
// stream once the session reaches a terminal status.
type Handler struct {
	verifier *services.TokenVerifier
	merges   *services.MergeService
	progress *redis.ProgressStore
	log      *logger.Logger
}

func NewHandler(verifier *services.TokenVerifier, merges *services.MergeService, progress *redis.ProgressStore, log *logger.Logger) *Handler {
	return &Handler{verifier: verifier, merges: merges, progress: progress, log: log}
}

// Events upgrades GET /merges/:id/events. Auth runs before the upgrade so
// unauthorized callers get a plain 401 instead of a dead socket.
func (h *Handler) Events(c *gin.Context) {
	mergeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid merge session id", "VALIDATION"))
		return
	}

	claims, err := h.verifier.ParseToken(wsToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}
	ownerID, err := uuid.Parse(claims.OwnerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	doc, err := h.merges.Status(c.Request.Context(), ownerID, mergeID)
	if err != nil {
		kind := apperrors.KindOf(err)
		c.JSON(kind.HTTPStatus(), httpdto.NewErrorResponse(err.Error(), kind.Code()))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := NewClient(conn, ownerID.String())
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go client.WriteLoop(ctx)
	h.push(client, doc)

	if doc.Status.IsTerminal() {
		// Nothing more will be published; hand over the final document and
		// close from our side.
		time.Sleep(50 * time.Millisecond)
		client.CloseAfterDrain()
		return
	}

	go h.subscribe(ctx, cancel, client, mergeID)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}

// subscribe bridges the redis events channel onto the client until the merge
// reaches a terminal status or the connection goes away.
func (h *Handler) subscribe(ctx context.Context, cancel context.CancelFunc, client *Client, mergeID uuid.UUID) {
	err := h.progress.Subscribe(ctx, mergeID, func(update redis.ProgressUpdate) {
		h.push(client, update)
		if update.Status.IsTerminal() {
			time.Sleep(50 * time.Millisecond)
			client.CloseAfterDrain()
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		h.log.WithContext(ctx).Warnf("merge %s: events subscription ended: %v", mergeID, err)
		client.CloseAfterDrain()
	}
}

func (h *Handler) push(client *Client, doc redis.ProgressUpdate) {
	payload, err := json.Marshal(httpdto.NewMergeStatusResponse(doc))
	if err != nil {
		return
	}
	client.SendMessage(payload)
}

// wsToken pulls the bearer token from the query string or the Authorization
// header; browser WebSocket clients cannot set headers.
func wsToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
