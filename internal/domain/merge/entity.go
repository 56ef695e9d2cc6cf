package merge

import (
	"time"

	"github.com/google/uuid"
)

// Status is the merge pipeline state. The pipeline only moves forward:
// pending → analyzing → normalizing → merging → finalizing → completed,
// with failed reachable from any non-terminal state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAnalyzing   Status = "analyzing"
	StatusNormalizing Status = "normalizing"
	StatusMerging     Status = "merging"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Stages lists the working states in pipeline order.
var Stages = []Status{StatusAnalyzing, StatusNormalizing, StatusMerging, StatusFinalizing}

// progressByStatus gives polling clients steady forward motion regardless of
// how long each stage actually takes.
var progressByStatus = map[Status]int{
	StatusPending:     0,
	StatusAnalyzing:   20,
	StatusNormalizing: 40,
	StatusMerging:     70,
	StatusFinalizing:  90,
	StatusCompleted:   100,
}

// Progress returns the fixed progress percentage for a status. Failed has no
// entry: a failed session keeps the progress of the stage it died in.
func Progress(s Status) (int, bool) {
	p, ok := progressByStatus[s]
	return p, ok
}

// IsTerminal reports whether the status ends the pipeline.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a move between statuses is legal.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusAnalyzing
	case StatusAnalyzing:
		// Normalization is skipped when the sources already share a profile.
		return to == StatusNormalizing || to == StatusMerging
	case StatusNormalizing:
		return to == StatusMerging
	case StatusMerging:
		return to == StatusFinalizing
	case StatusFinalizing:
		return to == StatusCompleted
	}
	return false
}

// StatementCount is fixed by the game: three statements, one of them a lie.
const StatementCount = 3

// MergeSession tracks the concatenation of three completed uploads into one
// artifact.
type MergeSession struct {
	ID          uuid.UUID
	ChallengeID uuid.UUID
	OwnerID     uuid.UUID
	// UploadSessionIDs are ordered by statement index.
	UploadSessionIDs [StatementCount]uuid.UUID
	// StatementTypes are opaque client-supplied labels (e.g. truth/lie)
	// carried through to segment metadata. The pipeline never interprets
	// them.
	StatementTypes [StatementCount]string
	Status         Status
	Progress       int
	ErrorDetail    string
	FailedStage    string
	ArtifactID     *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}
