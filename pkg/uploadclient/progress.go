package uploadclient

import (
	"sync"
	"sync/atomic"
)

// State names a phase of a statement upload as reported on the progress
// channel.
type State string

const (
	StateInitiating State = "initiating"
	StateUploading  State = "uploading"
	StateRetrying   State = "retrying"
	StateVerifying  State = "verifying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ProgressEvent is one observation of an in-flight statement upload.
// RetryCount accumulates across the whole upload; Attempt counts within the
// call that just failed when State is StateRetrying.
type ProgressEvent struct {
	SessionID  string
	State      State
	Attempt    int
	RetryCount int
	BytesSent  int64
	TotalBytes int64
	Err        error
}

// progressTracker accumulates counters for one UploadStatement call. All
// methods are safe on a nil receiver so single-call paths skip tracking.
type progressTracker struct {
	mu        sync.Mutex
	sessionID string
	total     int64
	sent      atomic.Int64
	retries   atomic.Int64
}

func (t *progressTracker) setSession(id string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

func (t *progressTracker) session() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *progressTracker) retried() {
	if t == nil {
		return
	}
	t.retries.Add(1)
}

func (t *progressTracker) addBytes(n int64) {
	if t == nil {
		return
	}
	t.sent.Add(n)
}

// emit publishes an event without ever blocking the upload.
func (t *progressTracker) emit(c *Client, state State, attempt int, err error) {
	if t == nil || c.events == nil {
		return
	}
	evt := ProgressEvent{
		SessionID:  t.session(),
		State:      state,
		Attempt:    attempt,
		RetryCount: int(t.retries.Load()),
		BytesSent:  t.sent.Load(),
		TotalBytes: t.total,
		Err:        err,
	}
	select {
	case c.events <- evt:
	default:
	}
}
