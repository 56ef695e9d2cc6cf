// Package uploadclient is the client SDK for the statement upload and merge
// API. It wraps every wire call with jittered exponential backoff and error
// classification, uploads files in parallel chunks, and reports progress over
// a channel so UIs can render upload state without polling the client.
package uploadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

const (
	// DefaultChunkSize is the upload chunk size when the server does not
	// advertise a smaller per-chunk limit.
	DefaultChunkSize int64 = 4 << 20
	// DefaultParallelism is how many chunks are in flight at once.
	DefaultParallelism = 3
)

// Upload session and merge session statuses as they appear on the wire.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	policy      RetryPolicy
	budget      AttemptBudget
	chunkSize   int64
	parallelism int
	events      chan<- ProgressEvent
	waitCap     time.Duration
	log         *logger.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryPolicy replaces the backoff parameters.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithAttemptBudget replaces the per-call attempt caps.
func WithAttemptBudget(b AttemptBudget) Option {
	return func(c *Client) { c.budget = b }
}

// WithChunkSize sets the upload chunk size.
func WithChunkSize(size int64) Option {
	return func(c *Client) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithParallelism sets how many chunks upload concurrently.
func WithParallelism(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithProgress subscribes a channel to upload progress events. Sends never
// block: events are dropped when the receiver lags.
func WithProgress(ch chan<- ProgressEvent) Option {
	return func(c *Client) { c.events = ch }
}

// WithWaitCap bounds how long WaitForMerge polls before giving up.
func WithWaitCap(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.waitCap = d
		}
	}
}

// WithLogger enables debug logging of retries and chunk traffic.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		http:        &http.Client{Timeout: 60 * time.Second},
		policy:      DefaultRetryPolicy(),
		budget:      DefaultAttemptBudget(),
		chunkSize:   DefaultChunkSize,
		parallelism: DefaultParallelism,
		waitCap:     10 * time.Minute,
		log:         logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitiateRequest opens an upload session for one statement clip.
type InitiateRequest struct {
	StatementIndex      int     `json:"statement_index"`
	DeclaredSize        int64   `json:"declared_size"`
	MimeType            string  `json:"mime_type"`
	DeclaredHash        string  `json:"declared_hash,omitempty"`
	DeclaredDurationSec float64 `json:"declared_duration_sec,omitempty"`
}

type Session struct {
	SessionID      string    `json:"session_id"`
	StatementIndex int       `json:"statement_index"`
	Status         string    `json:"status"`
	MaxChunkSize   int64     `json:"max_chunk_size"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type ChunkResult struct {
	SessionID     string `json:"session_id"`
	ReceivedBytes int64  `json:"received_bytes"`
}

type CompleteResult struct {
	SessionID   string    `json:"session_id"`
	FileID      string    `json:"file_id"`
	Status      string    `json:"status"`
	SizeBytes   int64     `json:"size_bytes"`
	CompletedAt time.Time `json:"completed_at"`
}

type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

type UploadStatus struct {
	SessionID      string      `json:"session_id"`
	StatementIndex int         `json:"statement_index"`
	Status         string      `json:"status"`
	DeclaredSize   int64       `json:"declared_size"`
	ReceivedBytes  int64       `json:"received_bytes"`
	MissingRanges  []ByteRange `json:"missing_ranges"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// MergeRequest submits three completed uploads for concatenation.
type MergeRequest struct {
	ChallengeID      string   `json:"challenge_id"`
	UploadSessionIDs []string `json:"upload_session_ids"`
	StatementTypes   []string `json:"statement_types,omitempty"`
}

type MergeSubmission struct {
	MergeSessionID string `json:"merge_session_id"`
	ChallengeID    string `json:"challenge_id"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
}

type MergeStatus struct {
	MergeSessionID string    `json:"merge_session_id"`
	ChallengeID    string    `json:"challenge_id"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	ErrorCode      string    `json:"error_code"`
	ErrorDetail    string    `json:"error_detail"`
	FailedStage    string    `json:"failed_stage"`
	ArtifactID     string    `json:"artifact_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Initiate opens an upload session, retrying transient failures within the
// initiate budget.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	return c.initiate(ctx, req, nil)
}

func (c *Client) initiate(ctx context.Context, req InitiateRequest, t *progressTracker) (Session, error) {
	var out Session
	err := c.withRetry(ctx, c.budget.Initiate, t, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/v1/uploads/initiate", req, &out)
	})
	return out, err
}

// UploadChunk sends one byte range, retrying transient failures within the
// chunk budget.
func (c *Client) UploadChunk(ctx context.Context, sessionID string, offset int64, data []byte) (ChunkResult, error) {
	return c.uploadChunk(ctx, sessionID, offset, data, nil)
}

func (c *Client) uploadChunk(ctx context.Context, sessionID string, offset int64, data []byte, t *progressTracker) (ChunkResult, error) {
	var out ChunkResult
	err := c.withRetry(ctx, c.budget.Chunk, t, func(ctx context.Context) error {
		return c.doChunk(ctx, sessionID, offset, data, &out)
	})
	return out, err
}

// Complete finalizes an upload session, retrying transient failures within
// the complete budget. Safe to repeat: the server answers a completed
// session with the stored result.
func (c *Client) Complete(ctx context.Context, sessionID, fullFileHash string) (CompleteResult, error) {
	return c.complete(ctx, sessionID, fullFileHash, nil)
}

func (c *Client) complete(ctx context.Context, sessionID, fullFileHash string, t *progressTracker) (CompleteResult, error) {
	var out CompleteResult
	body := map[string]string{"full_file_hash": fullFileHash}
	err := c.withRetry(ctx, c.budget.Complete, t, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/v1/uploads/"+sessionID+"/complete", body, &out)
	})
	return out, err
}

// Status reports upload session progress and the byte ranges still missing.
func (c *Client) Status(ctx context.Context, sessionID string) (UploadStatus, error) {
	return c.status(ctx, sessionID, nil)
}

func (c *Client) status(ctx context.Context, sessionID string, t *progressTracker) (UploadStatus, error) {
	var out UploadStatus
	err := c.withRetry(ctx, c.budget.Status, t, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/v1/uploads/"+sessionID+"/status", nil, &out)
	})
	return out, err
}

// SubmitMerge queues a merge of three completed statement uploads.
func (c *Client) SubmitMerge(ctx context.Context, req MergeRequest) (MergeSubmission, error) {
	var out MergeSubmission
	err := c.withRetry(ctx, c.budget.Initiate, nil, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/v1/merges", req, &out)
	})
	return out, err
}

// MergeStatus fetches the current merge status document.
func (c *Client) MergeStatus(ctx context.Context, mergeSessionID string) (MergeStatus, error) {
	var out MergeStatus
	err := c.withRetry(ctx, c.budget.Status, nil, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/v1/merges/"+mergeSessionID+"/status", nil, &out)
	})
	return out, err
}

// withRetry runs fn up to budget times, sleeping the policy delay between
// attempts. The context is honored both before each attempt and while
// sleeping, so cancellation never waits out a backoff.
func (c *Client) withRetry(ctx context.Context, budget int, t *progressTracker, fn func(context.Context) error) error {
	if budget < 1 {
		budget = 1
	}

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.KindCancelled, "upload cancelled", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Transient(lastErr) || attempt == budget {
			return lastErr
		}

		delay := c.policy.Delay(attempt)
		t.retried()
		t.emit(c, StateRetrying, attempt, lastErr)
		c.log.Debugf("attempt %d/%d failed (%v), retrying in %s", attempt, budget, lastErr, delay)

		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.KindCancelled, "upload cancelled", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

// envelope is the wire response wrapper shared by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Hint    string          `json:"hint"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.KindValidation, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransport(err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp, out)
}

func (c *Client) doChunk(ctx context.Context, sessionID string, offset int64, data []byte, out *ChunkResult) error {
	path := fmt.Sprintf("%s/v1/uploads/%s/chunk?offset=%d", c.baseURL, sessionID, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, path, bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransport(err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// decodeEnvelope unwraps the response envelope, turning error answers into
// tagged errors whose kind drives retry classification.
func decodeEnvelope(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return wrapTransport(err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		// A proxy or load balancer answered instead of the API.
		if resp.StatusCode >= 300 {
			return apperrors.Newf(apperrors.KindFromHTTPStatus(resp.StatusCode),
				"HTTP %d: %s", resp.StatusCode, firstLine(raw))
		}
		return apperrors.Wrap(apperrors.KindServer, "decode response", jsonErr)
	}

	if resp.StatusCode >= 300 || !env.Success {
		return apiError(resp.StatusCode, env)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.Wrap(apperrors.KindServer, "decode response data", err)
	}
	return nil
}

func apiError(status int, env envelope) error {
	kind := apperrors.KindFromCode(env.Code)
	if kind == apperrors.KindUnknown {
		kind = apperrors.KindFromHTTPStatus(status)
	}
	message := env.Error
	if message == "" {
		message = http.StatusText(status)
	}
	e := apperrors.New(kind, message)
	if env.Hint != "" {
		e = e.WithHint(env.Hint)
	}
	return e
}

func wrapTransport(err error) error {
	kind := Classify(err)
	if kind == apperrors.KindUnknown {
		kind = apperrors.KindNetwork
	}
	return apperrors.Wrap(kind, "request failed", err)
}

func firstLine(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
