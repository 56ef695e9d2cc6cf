package upload

import "sort"

// ByteRange is a half-open interval [Offset, Offset+Length) within the
// declared file size.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the exclusive end offset.
func (r ByteRange) End() int64 { return r.Offset + r.Length }

// Overlaps reports whether the candidate range intersects any stored range.
func Overlaps(stored []ByteRange, candidate ByteRange) bool {
	for _, r := range stored {
		if candidate.Offset < r.End() && r.Offset < candidate.End() {
			return true
		}
	}
	return false
}

// MissingRanges returns the gaps between the stored ranges and full coverage
// of [0, total), sorted by offset. Stored ranges are assumed non-overlapping
// (ingestion rejects overlaps) but may arrive in any order.
func MissingRanges(stored []ByteRange, total int64) []ByteRange {
	if total <= 0 {
		return nil
	}
	sorted := make([]ByteRange, len(stored))
	copy(sorted, stored)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var missing []ByteRange
	var cursor int64
	for _, r := range sorted {
		if r.Offset > cursor {
			missing = append(missing, ByteRange{Offset: cursor, Length: r.Offset - cursor})
		}
		if r.End() > cursor {
			cursor = r.End()
		}
	}
	if cursor < total {
		missing = append(missing, ByteRange{Offset: cursor, Length: total - cursor})
	}
	return missing
}

// Tiles reports whether the stored ranges cover [0, total) exactly: no gaps
// and no bytes past the declared size.
func Tiles(stored []ByteRange, total int64) bool {
	var sum int64
	for _, r := range stored {
		if r.End() > total {
			return false
		}
		sum += r.Length
	}
	return sum == total && len(MissingRanges(stored, total)) == 0
}
