package httpdto

import (
	"time"

	"fibreel-media/internal/domain/merge"
	"fibreel-media/internal/redis"
)

// SubmitMergeRequest is used for POST /merges. UploadSessionIDs are in
// statement order; StatementTypes are opaque labels carried into segment
// metadata (a missing list defaults every slot to "statement").
type SubmitMergeRequest struct {
	ChallengeID      string   `json:"challenge_id" binding:"required"`
	UploadSessionIDs []string `json:"upload_session_ids" binding:"required"`
	StatementTypes   []string `json:"statement_types,omitempty"`
}

// SubmitMergeResponse is returned after queueing a merge session.
type SubmitMergeResponse struct {
	MergeSessionID string `json:"merge_session_id"`
	ChallengeID    string `json:"challenge_id"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
}

// MergeStatusResponse is the status document for GET /merges/:id/status and
// the websocket event stream.
type MergeStatusResponse struct {
	MergeSessionID string `json:"merge_session_id"`
	ChallengeID    string `json:"challenge_id"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorDetail    string `json:"error_detail,omitempty"`
	FailedStage    string `json:"failed_stage,omitempty"`
	ArtifactID     string `json:"artifact_id,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

func NewSubmitMergeResponse(m merge.MergeSession) SubmitMergeResponse {
	return SubmitMergeResponse{
		MergeSessionID: m.ID.String(),
		ChallengeID:    m.ChallengeID.String(),
		Status:         string(m.Status),
		Progress:       m.Progress,
	}
}

func NewMergeStatusResponse(doc redis.ProgressUpdate) MergeStatusResponse {
	resp := MergeStatusResponse{
		MergeSessionID: doc.MergeSessionID.String(),
		ChallengeID:    doc.ChallengeID.String(),
		Status:         string(doc.Status),
		Progress:       doc.Progress,
		ErrorCode:      doc.ErrorCode,
		ErrorDetail:    doc.ErrorDetail,
		FailedStage:    doc.FailedStage,
		UpdatedAt:      doc.UpdatedAt.Format(time.RFC3339),
	}
	if doc.ArtifactID != nil {
		resp.ArtifactID = doc.ArtifactID.String()
	}
	return resp
}
