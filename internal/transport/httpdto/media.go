package httpdto

import (
	"fmt"
	"time"

	"fibreel-media/internal/domain/media"
)

// SegmentDTO maps one statement onto the merged timeline. StatementID is the
// upload session the clip came from; times are seconds from artifact start.
type SegmentDTO struct {
	StatementID    string  `json:"statement_id"`
	StatementIndex int     `json:"statement_index"`
	StatementType  string  `json:"statement_type"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Duration       float64 `json:"duration"`
	SourceDuration float64 `json:"source_duration"`
}

// MergedVideoMetadata is the playback document for GET /challenges/:id/segments.
type MergedVideoMetadata struct {
	ChallengeID   string       `json:"challenge_id"`
	ArtifactID    string       `json:"artifact_id"`
	MediaURL      string       `json:"media_url"`
	MimeType      string       `json:"mime_type"`
	SizeBytes     int64        `json:"size_bytes"`
	TotalDuration float64      `json:"total_duration"`
	Compressed    bool         `json:"compressed"`
	Segments      []SegmentDTO `json:"segments"`
	CreatedAt     string       `json:"created_at"`
}

func NewMergedVideoMetadata(a media.Artifact) MergedVideoMetadata {
	segments := make([]SegmentDTO, 0, len(a.Segments))
	for _, s := range a.Segments {
		segments = append(segments, SegmentDTO{
			StatementID:    s.StatementID.String(),
			StatementIndex: s.StatementIndex,
			StatementType:  s.StatementType,
			StartTime:      s.StartTime,
			EndTime:        s.EndTime,
			Duration:       s.Duration,
			SourceDuration: s.SourceDuration,
		})
	}
	return MergedVideoMetadata{
		ChallengeID:   a.ChallengeID.String(),
		ArtifactID:    a.ID.String(),
		MediaURL:      fmt.Sprintf("/v1/media/%s", a.ID),
		MimeType:      a.MimeType,
		SizeBytes:     a.SizeBytes,
		TotalDuration: a.TotalDuration,
		Compressed:    a.Compressed,
		Segments:      segments,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
}
