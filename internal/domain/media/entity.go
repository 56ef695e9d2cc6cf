package media

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// TimecodeTolerance is the slack allowed when validating segment arithmetic.
// Container muxing can shift boundaries by a frame or two; anything beyond
// a tenth of a second indicates broken math, not rounding.
const TimecodeTolerance = 0.1

// Segment describes the portion of a merged artifact that plays one original
// statement clip. Times are seconds from the start of the merged timeline.
type Segment struct {
	StatementID    uuid.UUID `json:"statement_id"`
	StatementIndex int       `json:"statement_index"`
	StatementType  string    `json:"statement_type"`
	StartTime      float64   `json:"start_time"`
	EndTime        float64   `json:"end_time"`
	Duration       float64   `json:"duration"`
	SourceDuration float64   `json:"source_duration"`
}

// Artifact is the merged video plus its playback metadata, indexed by
// challenge id for the segments query.
type Artifact struct {
	ID          uuid.UUID
	ChallengeID uuid.UUID
	OwnerID     uuid.UUID
	ObjectKey   string
	MimeType    string
	SizeBytes   int64
	// TotalDuration is the playable duration of the stored artifact.
	TotalDuration float64
	// OriginalDuration is the pre-compression duration. Equal to
	// TotalDuration when no compression pass ran.
	OriginalDuration float64
	Compressed       bool
	Segments         []Segment
	CreatedAt        time.Time
}

// BuildSegments computes cumulative segment timecodes from measured clip
// durations: segment 0 starts at zero, each following segment starts where
// the previous one ends.
func BuildSegments(statementIDs [3]uuid.UUID, statementTypes [3]string, durations [3]float64) []Segment {
	segments := make([]Segment, 0, len(durations))
	var cursor float64
	for i, d := range durations {
		segments = append(segments, Segment{
			StatementID:    statementIDs[i],
			StatementIndex: i,
			StatementType:  statementTypes[i],
			StartTime:      cursor,
			EndTime:        cursor + d,
			Duration:       d,
			SourceDuration: d,
		})
		cursor += d
	}
	return segments
}

// Rescale maps segment timecodes onto a new total duration, preserving the
// relative proportions. Used when a compression pass changes the artifact's
// timeline. SourceDuration keeps the measured duration of the original clip.
func Rescale(segments []Segment, oldTotal, newTotal float64) []Segment {
	if oldTotal <= 0 || newTotal <= 0 {
		return segments
	}
	factor := newTotal / oldTotal
	out := make([]Segment, len(segments))
	for i, s := range segments {
		out[i] = s
		out[i].StartTime = s.StartTime * factor
		out[i].EndTime = s.EndTime * factor
		out[i].Duration = out[i].EndTime - out[i].StartTime
	}
	return out
}

// ValidateSegments checks the four invariants a valid merged artifact must
// satisfy: per-segment duration arithmetic, no temporal overlap, contiguity
// in statement order starting at zero, and total duration equal to the last
// segment's end. All comparisons allow TimecodeTolerance.
func ValidateSegments(segments []Segment, totalDuration float64) error {
	if len(segments) != 3 {
		return fmt.Errorf("expected 3 segments, got %d", len(segments))
	}

	seen := map[int]bool{}
	for _, s := range segments {
		if s.StatementIndex < 0 || s.StatementIndex > 2 {
			return fmt.Errorf("statement index %d out of range", s.StatementIndex)
		}
		if seen[s.StatementIndex] {
			return fmt.Errorf("duplicate statement index %d", s.StatementIndex)
		}
		seen[s.StatementIndex] = true

		if math.Abs(s.Duration-(s.EndTime-s.StartTime)) > TimecodeTolerance {
			return fmt.Errorf("segment %d duration %0.3f does not match [%0.3f, %0.3f)",
				s.StatementIndex, s.Duration, s.StartTime, s.EndTime)
		}
	}

	var cursor float64
	for i := 0; i < 3; i++ {
		seg, ok := segmentByIndex(segments, i)
		if !ok {
			return fmt.Errorf("missing statement index %d", i)
		}
		if math.Abs(seg.StartTime-cursor) > TimecodeTolerance {
			return fmt.Errorf("segment %d starts at %0.3f, expected %0.3f", i, seg.StartTime, cursor)
		}
		if seg.EndTime < seg.StartTime {
			return fmt.Errorf("segment %d ends before it starts", i)
		}
		cursor = seg.EndTime
	}

	if math.Abs(totalDuration-cursor) > TimecodeTolerance {
		return fmt.Errorf("total duration %0.3f does not match last segment end %0.3f", totalDuration, cursor)
	}
	return nil
}

func segmentByIndex(segments []Segment, index int) (Segment, bool) {
	for _, s := range segments {
		if s.StatementIndex == index {
			return s, true
		}
	}
	return Segment{}, false
}
