package uploadclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/sync/errgroup"

	apperrors "fibreel-media/pkg/errors"
)

// Statement is one clip to upload: which of the three statements it is and
// where its bytes live. Content must support concurrent ReadAt, which both
// *os.File and *bytes.Reader do.
type Statement struct {
	Index       int
	MimeType    string
	Size        int64
	Content     io.ReaderAt
	DurationSec float64
}

// UploadStatement runs the full resilient upload of one clip: initiate,
// parallel chunk sends with per-call retry, then hash-verified completion.
// Progress is reported on the channel configured with WithProgress.
func (c *Client) UploadStatement(ctx context.Context, st Statement) (CompleteResult, error) {
	if err := st.validate(); err != nil {
		return CompleteResult{}, err
	}
	fullHash, err := hashContent(st.Content, st.Size)
	if err != nil {
		return CompleteResult{}, err
	}

	t := &progressTracker{total: st.Size}
	t.emit(c, StateInitiating, 0, nil)

	sess, err := c.initiate(ctx, InitiateRequest{
		StatementIndex:      st.Index,
		DeclaredSize:        st.Size,
		MimeType:            st.MimeType,
		DeclaredHash:        fullHash,
		DeclaredDurationSec: st.DurationSec,
	}, t)
	if err != nil {
		t.emit(c, StateFailed, 0, err)
		return CompleteResult{}, err
	}
	t.setSession(sess.SessionID)

	ranges := []ByteRange{{Offset: 0, Length: st.Size}}
	if err := c.uploadRanges(ctx, t, sess.SessionID, st.Content, ranges, c.effectiveChunkSize(sess.MaxChunkSize)); err != nil {
		t.emit(c, StateFailed, 0, err)
		return CompleteResult{}, err
	}

	t.emit(c, StateVerifying, 0, nil)
	result, err := c.complete(ctx, sess.SessionID, fullHash, t)
	if err != nil {
		t.emit(c, StateFailed, 0, err)
		return CompleteResult{}, err
	}

	t.emit(c, StateCompleted, 0, nil)
	return result, nil
}

// ResumeStatement finishes an interrupted upload: it asks the server which
// byte ranges are missing, sends only those, and completes. The content must
// be byte-identical to what the original session declared or completion will
// fail its hash check.
func (c *Client) ResumeStatement(ctx context.Context, sessionID string, st Statement) (CompleteResult, error) {
	if err := st.validate(); err != nil {
		return CompleteResult{}, err
	}
	fullHash, err := hashContent(st.Content, st.Size)
	if err != nil {
		return CompleteResult{}, err
	}

	t := &progressTracker{total: st.Size}
	t.setSession(sessionID)

	status, err := c.status(ctx, sessionID, t)
	if err != nil {
		t.emit(c, StateFailed, 0, err)
		return CompleteResult{}, err
	}
	t.addBytes(status.ReceivedBytes)

	if status.Status != StatusCompleted {
		if err := c.uploadRanges(ctx, t, sessionID, st.Content, status.MissingRanges, c.effectiveChunkSize(0)); err != nil {
			t.emit(c, StateFailed, 0, err)
			return CompleteResult{}, err
		}
	}

	t.emit(c, StateVerifying, 0, nil)
	result, err := c.complete(ctx, sessionID, fullHash, t)
	if err != nil {
		t.emit(c, StateFailed, 0, err)
		return CompleteResult{}, err
	}

	t.emit(c, StateCompleted, 0, nil)
	return result, nil
}

// uploadRanges sends the given byte ranges as chunks, at most parallelism in
// flight. The first chunk that exhausts its retry budget cancels the rest.
func (c *Client) uploadRanges(ctx context.Context, t *progressTracker, sessionID string, content io.ReaderAt, ranges []ByteRange, chunkSize int64) error {
	chunks := splitRanges(ranges, chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			data := make([]byte, chunk.Length)
			if _, err := content.ReadAt(data, chunk.Offset); err != nil {
				return apperrors.Wrap(apperrors.KindValidation, "read source content", err)
			}
			if _, err := c.uploadChunk(gctx, sessionID, chunk.Offset, data, t); err != nil {
				return err
			}
			t.addBytes(chunk.Length)
			t.emit(c, StateUploading, 0, nil)
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) effectiveChunkSize(serverMax int64) int64 {
	size := c.chunkSize
	if serverMax > 0 && serverMax < size {
		size = serverMax
	}
	return size
}

// splitRanges cuts arbitrary missing ranges into chunk-sized sends.
func splitRanges(ranges []ByteRange, max int64) []ByteRange {
	var out []ByteRange
	for _, r := range ranges {
		offset, remaining := r.Offset, r.Length
		for remaining > 0 {
			length := remaining
			if length > max {
				length = max
			}
			out = append(out, ByteRange{Offset: offset, Length: length})
			offset += length
			remaining -= length
		}
	}
	return out
}

func (st Statement) validate() error {
	if st.Size <= 0 {
		return apperrors.New(apperrors.KindValidation, "statement size must be positive")
	}
	if st.Content == nil {
		return apperrors.New(apperrors.KindValidation, "statement content is required")
	}
	if st.MimeType == "" {
		return apperrors.New(apperrors.KindValidation, "statement mime type is required")
	}
	return nil
}

func hashContent(content io.ReaderAt, size int64) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, io.NewSectionReader(content, 0, size)); err != nil {
		return "", apperrors.Wrap(apperrors.KindValidation, "hash source content", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
