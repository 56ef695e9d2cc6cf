package httpdto

import (
	"time"

	"fibreel-media/internal/domain/upload"
)

// InitiateUploadRequest is used for POST /uploads/initiate. StatementIndex is
// a pointer so index 0 survives required-field binding.
type InitiateUploadRequest struct {
	StatementIndex      *int    `json:"statement_index" binding:"required"`
	DeclaredSize        int64   `json:"declared_size" binding:"required"`
	MimeType            string  `json:"mime_type" binding:"required"`
	DeclaredHash        string  `json:"declared_hash,omitempty"`
	DeclaredDurationSec float64 `json:"declared_duration_sec,omitempty"`
}

// InitiateUploadResponse is returned after creating an upload session.
type InitiateUploadResponse struct {
	SessionID      string `json:"session_id"`
	StatementIndex int    `json:"statement_index"`
	Status         string `json:"status"`
	MaxChunkSize   int64  `json:"max_chunk_size"`
	ExpiresAt      string `json:"expires_at"`
}

// ChunkResponse is returned after PUT /uploads/:id/chunk.
type ChunkResponse struct {
	SessionID     string `json:"session_id"`
	ReceivedBytes int64  `json:"received_bytes"`
}

// CompleteUploadRequest is used for POST /uploads/:id/complete. The hash may
// be omitted when one was declared at initiate.
type CompleteUploadRequest struct {
	FullFileHash string `json:"full_file_hash,omitempty"`
}

// CompleteUploadResponse reports the assembled file. FileID doubles as the
// statement id referenced by merge submissions and segment metadata.
type CompleteUploadResponse struct {
	SessionID   string `json:"session_id"`
	FileID      string `json:"file_id"`
	Status      string `json:"status"`
	SizeBytes   int64  `json:"size_bytes"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ByteRangeDTO is a half-open byte interval in resume reports.
type ByteRangeDTO struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// UploadStatusResponse is returned by GET /uploads/:id/status. MissingRanges
// tells an interrupted client exactly which bytes to re-send.
type UploadStatusResponse struct {
	SessionID      string         `json:"session_id"`
	StatementIndex int            `json:"statement_index"`
	Status         string         `json:"status"`
	DeclaredSize   int64          `json:"declared_size"`
	ReceivedBytes  int64          `json:"received_bytes"`
	MissingRanges  []ByteRangeDTO `json:"missing_ranges"`
	ExpiresAt      string         `json:"expires_at"`
	CompletedAt    string         `json:"completed_at,omitempty"`
}

func NewInitiateUploadResponse(s upload.UploadSession, maxChunkSize int64) InitiateUploadResponse {
	return InitiateUploadResponse{
		SessionID:      s.ID.String(),
		StatementIndex: s.StatementIndex,
		Status:         string(s.Status),
		MaxChunkSize:   maxChunkSize,
		ExpiresAt:      s.ExpiresAt.Format(time.RFC3339),
	}
}

func NewCompleteUploadResponse(s upload.UploadSession) CompleteUploadResponse {
	resp := CompleteUploadResponse{
		SessionID: s.ID.String(),
		FileID:    s.ID.String(),
		Status:    string(s.Status),
		SizeBytes: s.ReceivedBytes,
	}
	if s.CompletedAt != nil {
		resp.CompletedAt = s.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func NewUploadStatusResponse(s upload.UploadSession, missing []upload.ByteRange) UploadStatusResponse {
	ranges := make([]ByteRangeDTO, 0, len(missing))
	for _, r := range missing {
		ranges = append(ranges, ByteRangeDTO{Offset: r.Offset, Length: r.Length})
	}
	resp := UploadStatusResponse{
		SessionID:      s.ID.String(),
		StatementIndex: s.StatementIndex,
		Status:         string(s.Status),
		DeclaredSize:   s.DeclaredSize,
		ReceivedBytes:  s.ReceivedBytes,
		MissingRanges:  ranges,
		ExpiresAt:      s.ExpiresAt.Format(time.RFC3339),
	}
	if s.CompletedAt != nil {
		resp.CompletedAt = s.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
