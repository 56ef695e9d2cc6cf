package upload

import (
	"time"

	"github.com/google/uuid"
)

// Status is the upload session lifecycle state.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

// validTransitions encodes the monotonic lifecycle: terminal states have no
// outgoing edges, so an expired or failed session can never be resurrected.
var validTransitions = map[Status][]Status{
	StatusInitiated:  {StatusInProgress, StatusCompleted, StatusExpired, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusExpired, StatusFailed},
	StatusCompleted:  {},
	StatusExpired:    {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// UploadSession tracks one client-to-server transfer of a statement clip.
type UploadSession struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	StatementIndex int
	DeclaredSize   int64
	MimeType       string
	// DeclaredDuration is advisory; segment math always uses measured
	// durations from the analyzer.
	DeclaredDuration float64
	DeclaredHash     string
	ReceivedBytes    int64
	Status           Status
	// ObjectKey is where the assembled file lives in the blob store.
	// Set at completion.
	ObjectKey   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
}

// ExpiredAt reports whether the session has outlived its TTL at the given
// instant. Completed sessions never expire; their cleanup is tied to merge
// consumption.
func (s *UploadSession) ExpiredAt(now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	return now.After(s.ExpiresAt)
}

// Chunk is the persisted record of one received byte range. The payload
// itself lives in the chunk store keyed by (SessionID, Offset).
type Chunk struct {
	SessionID  uuid.UUID
	Offset     int64
	Length     int64
	ReceivedAt time.Time
}
