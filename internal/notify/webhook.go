package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"fibreel-media/config"
	"fibreel-media/pkg/logger"
)

const (
	EventMergeCompleted = "merge.completed"
	EventMergeFailed    = "merge.failed"

	// SignatureHeader carries an HMAC-SHA256 of the request body keyed with
	// the shared webhook secret, hex encoded with a "sha256=" prefix.
	SignatureHeader = "X-Fibreel-Signature"
)

// Event is the payload delivered to the configured webhook endpoint when a
// merge reaches a terminal state.
type Event struct {
	Type           string     `json:"type"`
	MergeSessionID uuid.UUID  `json:"merge_session_id"`
	ChallengeID    uuid.UUID  `json:"challenge_id"`
	ArtifactID     *uuid.UUID `json:"artifact_id,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// Notifier delivers terminal merge events to an external consumer. Delivery
// is best effort; failures are logged, never propagated to the pipeline.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Nop discards every event. Used when no webhook is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

type WebhookNotifier struct {
	url    string
	secret []byte
	client *retryablehttp.Client
	log    *logger.Logger
}

func NewWebhookNotifier(cfg config.WebhookConfig, log *logger.Logger) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil
	return &WebhookNotifier{
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		client: client,
		log:    log,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		n.log.Errorf("webhook: marshal %s event: %v", evt.Type, err)
		return
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Errorf("webhook: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(n.secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warnf("webhook: deliver %s for merge %s: %v", evt.Type, evt.MergeSessionID, err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		n.log.Warnf("webhook: %s for merge %s answered %d", evt.Type, evt.MergeSessionID, resp.StatusCode)
		return
	}
	n.log.Debugf("webhook: delivered %s for merge %s", evt.Type, evt.MergeSessionID)
}

// Sign computes the signature header value for a payload. Exported so webhook
// consumers can verify deliveries with the same code.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header matches the payload under secret.
func VerifySignature(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
