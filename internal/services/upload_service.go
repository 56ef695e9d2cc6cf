package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"fibreel-media/config"
	"fibreel-media/internal/domain/upload"
	"fibreel-media/internal/metrics"
	"fibreel-media/internal/repository"
	"fibreel-media/internal/storage"
	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

// sniffLen is how many leading bytes of the assembled file are kept for
// content-type detection. Matches the mimetype library's own read limit.
const sniffLen = 3072

// MergeDispatcher is notified when an upload session completes so that any
// merge waiting on it can be scheduled. Implemented by MergeService.
type MergeDispatcher interface {
	OfferUpload(ctx context.Context, uploadID uuid.UUID)
}

type UploadService struct {
	repo       repository.UploadRepository
	chunks     storage.ChunkStore
	objects    storage.ObjectStore
	dispatcher MergeDispatcher
	cfg        config.UploadConfig
	log        *logger.Logger
	metrics    *metrics.Metrics
}

func NewUploadService(
	repo repository.UploadRepository,
	chunks storage.ChunkStore,
	objects storage.ObjectStore,
	dispatcher MergeDispatcher,
	cfg config.UploadConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *UploadService {
	return &UploadService{
		repo:       repo,
		chunks:     chunks,
		objects:    objects,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		metrics:    m,
	}
}

type InitiateUploadInput struct {
	OwnerID          uuid.UUID
	StatementIndex   int
	DeclaredSize     int64
	MimeType         string
	DeclaredHash     string
	DeclaredDuration float64
}

func (s *UploadService) Initiate(ctx context.Context, input InitiateUploadInput) (upload.UploadSession, error) {
	if input.OwnerID == uuid.Nil {
		return upload.UploadSession{}, apperrors.ErrUnauthorized
	}
	if input.StatementIndex < 0 || input.StatementIndex > 2 {
		return upload.UploadSession{}, apperrors.Newf(apperrors.KindValidation,
			"statement index %d is outside 0..2", input.StatementIndex)
	}
	if input.DeclaredSize <= 0 {
		return upload.UploadSession{}, apperrors.New(apperrors.KindValidation, "declared size must be positive")
	}
	if input.DeclaredSize > s.cfg.MaxSize {
		return upload.UploadSession{}, apperrors.Newf(apperrors.KindFileTooLarge,
			"declared size %s exceeds the %s limit",
			units.BytesSize(float64(input.DeclaredSize)), units.BytesSize(float64(s.cfg.MaxSize)))
	}
	if !s.mimeAllowed(input.MimeType) {
		return upload.UploadSession{}, apperrors.Newf(apperrors.KindUnsupportedFormat,
			"mime type %q is not an accepted video format", input.MimeType)
	}
	declaredHash, err := normalizeHash(input.DeclaredHash)
	if err != nil {
		return upload.UploadSession{}, err
	}
	if input.DeclaredDuration < 0 {
		return upload.UploadSession{}, apperrors.New(apperrors.KindValidation, "declared duration must not be negative")
	}

	now := time.Now().UTC()
	session := upload.UploadSession{
		ID:               uuid.New(),
		OwnerID:          input.OwnerID,
		StatementIndex:   input.StatementIndex,
		DeclaredSize:     input.DeclaredSize,
		MimeType:         input.MimeType,
		DeclaredDuration: input.DeclaredDuration,
		DeclaredHash:     declaredHash,
		Status:           upload.StatusInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.SessionTTL),
	}
	if err := s.repo.Create(ctx, &session); err != nil {
		return upload.UploadSession{}, err
	}

	s.log.WithContext(ctx).Infof("upload session %s initiated: statement=%d size=%d mime=%s",
		session.ID, session.StatementIndex, session.DeclaredSize, session.MimeType)
	return session, nil
}

// IngestChunk stores one byte range of the session's file and returns the
// total bytes received so far. Re-sending a chunk with an identical offset and
// length is a no-op; any other overlap is rejected.
func (s *UploadService) IngestChunk(ctx context.Context, ownerID, sessionID uuid.UUID, offset, length int64, body io.Reader) (int64, error) {
	if offset < 0 {
		return 0, apperrors.New(apperrors.KindValidation, "chunk offset must not be negative")
	}
	if length <= 0 {
		return 0, apperrors.New(apperrors.KindValidation, "chunk length must be positive")
	}
	if length > s.cfg.MaxChunkSize {
		return 0, apperrors.Newf(apperrors.KindValidation,
			"chunk of %s exceeds the %s per-chunk limit",
			units.BytesSize(float64(length)), units.BytesSize(float64(s.cfg.MaxChunkSize)))
	}

	session, err := s.writableSession(ctx, ownerID, sessionID)
	if err != nil {
		return 0, err
	}
	if offset+length > session.DeclaredSize {
		return 0, apperrors.Newf(apperrors.KindQuotaExceeded,
			"chunk [%d, %d) crosses the declared size of %d bytes", offset, offset+length, session.DeclaredSize)
	}

	stored, err := s.repo.ListChunks(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for _, c := range stored {
		if c.Offset == offset && c.Length == length {
			// Exact duplicate, typically a client retry after a lost response.
			return session.ReceivedBytes, nil
		}
	}
	candidate := upload.ByteRange{Offset: offset, Length: length}
	if upload.Overlaps(chunkRanges(stored), candidate) {
		return 0, apperrors.Newf(apperrors.KindRangeConflict,
			"chunk [%d, %d) overlaps previously stored bytes", offset, offset+length)
	}

	counted := &countingReader{r: body}
	if err := s.chunks.PutChunk(ctx, sessionID, offset, io.LimitReader(counted, length), length); err != nil {
		return 0, err
	}
	if counted.n < length {
		return 0, apperrors.Newf(apperrors.KindValidation,
			"chunk body carried %d bytes but declared %d", counted.n, length)
	}

	err = s.repo.AddChunk(ctx, sessionID, upload.Chunk{
		SessionID:  sessionID,
		Offset:     offset,
		Length:     length,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			// Lost the race against an identical concurrent send.
			return session.ReceivedBytes + length, nil
		}
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.ChunksIngested.Inc()
		s.metrics.UploadBytes.Add(float64(length))
	}
	return session.ReceivedBytes + length, nil
}

// Complete verifies the assembled bytes against the declared hash, stores the
// final object, and marks the session completed. Calling it again on a
// completed session returns the stored result without re-verifying.
func (s *UploadService) Complete(ctx context.Context, ownerID, sessionID uuid.UUID, fullHash string) (upload.UploadSession, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return upload.UploadSession{}, err
	}
	if session.OwnerID != ownerID {
		return upload.UploadSession{}, apperrors.ErrUnauthorized
	}
	if session.Status == upload.StatusCompleted {
		return session, nil
	}
	if err := s.checkWritable(ctx, session); err != nil {
		return upload.UploadSession{}, err
	}

	wantHash, err := normalizeHash(fullHash)
	if err != nil {
		return upload.UploadSession{}, err
	}
	if wantHash == "" {
		wantHash = session.DeclaredHash
	}
	if wantHash == "" {
		return upload.UploadSession{}, apperrors.New(apperrors.KindValidation,
			"a sha-256 hash of the full file is required to complete the upload")
	}

	chunks, err := s.repo.ListChunks(ctx, sessionID)
	if err != nil {
		return upload.UploadSession{}, err
	}
	if !upload.Tiles(chunkRanges(chunks), session.DeclaredSize) {
		missing := upload.MissingRanges(chunkRanges(chunks), session.DeclaredSize)
		return upload.UploadSession{}, apperrors.Newf(apperrors.KindValidation,
			"upload incomplete: %d byte range(s) missing, first at offset %d", len(missing), missing[0].Offset)
	}

	head, err := s.verifyAssembled(ctx, sessionID, chunks, wantHash)
	if err != nil {
		return upload.UploadSession{}, err
	}
	mtype := mimetype.Detect(head)
	if !s.mimeAllowed(mtype.String()) {
		// The bytes themselves are not a video we can merge. No re-send of the
		// same file can fix that, so the session is failed rather than left open.
		if markErr := s.repo.MarkFailed(ctx, sessionID); markErr != nil {
			s.log.WithContext(ctx).Warnf("upload session %s: mark failed: %v", sessionID, markErr)
		}
		s.countUploadOutcome("failed")
		return upload.UploadSession{}, apperrors.Newf(apperrors.KindUnsupportedFormat,
			"assembled content is %s, not an accepted video format", mtype.String())
	}

	objectKey := storage.UploadKey(session.OwnerID, session.ID, extensionForMime(session.MimeType))
	assembled := newChunkSequenceReader(ctx, s.chunks, sessionID, chunks)
	err = s.objects.Put(ctx, objectKey, assembled, session.DeclaredSize, session.MimeType)
	assembled.Close()
	if err != nil {
		return upload.UploadSession{}, err
	}

	if err := s.repo.MarkCompleted(ctx, sessionID, objectKey); err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			// A concurrent complete won; its result is identical.
			if current, getErr := s.repo.GetByID(ctx, sessionID); getErr == nil && current.Status == upload.StatusCompleted {
				return current, nil
			}
		}
		return upload.UploadSession{}, err
	}
	s.releaseChunks(ctx, sessionID)
	s.countUploadOutcome("completed")

	completed, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return upload.UploadSession{}, err
	}
	s.log.WithContext(ctx).Infof("upload session %s completed: key=%s bytes=%d",
		sessionID, objectKey, completed.DeclaredSize)

	if s.dispatcher != nil {
		s.dispatcher.OfferUpload(ctx, sessionID)
	}
	return completed, nil
}

// Status reports the session along with the byte ranges still missing, so an
// interrupted client can resume instead of starting over.
func (s *UploadService) Status(ctx context.Context, ownerID, sessionID uuid.UUID) (upload.UploadSession, []upload.ByteRange, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return upload.UploadSession{}, nil, err
	}
	if session.OwnerID != ownerID {
		return upload.UploadSession{}, nil, apperrors.ErrUnauthorized
	}
	if session.Status == upload.StatusCompleted {
		return session, nil, nil
	}
	chunks, err := s.repo.ListChunks(ctx, sessionID)
	if err != nil {
		return upload.UploadSession{}, nil, err
	}
	return session, upload.MissingRanges(chunkRanges(chunks), session.DeclaredSize), nil
}

// writableSession loads the session and enforces ownership plus a status that
// still accepts bytes.
func (s *UploadService) writableSession(ctx context.Context, ownerID, sessionID uuid.UUID) (upload.UploadSession, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return upload.UploadSession{}, err
	}
	if session.OwnerID != ownerID {
		return upload.UploadSession{}, apperrors.ErrUnauthorized
	}
	if err := s.checkWritable(ctx, session); err != nil {
		return upload.UploadSession{}, err
	}
	return session, nil
}

func (s *UploadService) checkWritable(ctx context.Context, session upload.UploadSession) error {
	switch session.Status {
	case upload.StatusCompleted:
		return apperrors.New(apperrors.KindConflict, "upload session is already completed")
	case upload.StatusFailed:
		return apperrors.New(apperrors.KindConflict, "upload session has failed; initiate a new one")
	case upload.StatusExpired:
		return apperrors.ErrSessionExpired
	}
	if session.ExpiredAt(time.Now().UTC()) {
		if err := s.repo.MarkExpired(ctx, session.ID); err != nil {
			s.log.WithContext(ctx).Warnf("upload session %s: mark expired: %v", session.ID, err)
		}
		return apperrors.ErrSessionExpired
	}
	return nil
}

// verifyAssembled streams the chunk sequence once, hashing it and capturing
// the leading bytes for content sniffing. The session is left untouched on a
// hash mismatch so the caller can inspect what arrived and re-upload.
func (s *UploadService) verifyAssembled(ctx context.Context, sessionID uuid.UUID, chunks []upload.Chunk, wantHash string) ([]byte, error) {
	hasher := sha256.New()
	head := &headCapture{max: sniffLen}
	reader := newChunkSequenceReader(ctx, s.chunks, sessionID, chunks)
	defer reader.Close()

	if _, err := io.Copy(io.MultiWriter(hasher, head), reader); err != nil {
		return nil, apperrors.Wrap(apperrors.KindServer, "read assembled chunks", err)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != wantHash {
		return nil, apperrors.Newf(apperrors.KindHashMismatch,
			"assembled bytes hash to %s, expected %s", got, wantHash)
	}
	return head.Bytes(), nil
}

func (s *UploadService) releaseChunks(ctx context.Context, sessionID uuid.UUID) {
	if err := s.chunks.PurgeSession(ctx, sessionID); err != nil {
		s.log.WithContext(ctx).Warnf("upload session %s: purge chunk blobs: %v", sessionID, err)
	}
	if err := s.repo.DeleteChunks(ctx, sessionID); err != nil {
		s.log.WithContext(ctx).Warnf("upload session %s: delete chunk rows: %v", sessionID, err)
	}
}

func (s *UploadService) countUploadOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.UploadsByOutcome.WithLabelValues(outcome).Inc()
	}
}

func (s *UploadService) mimeAllowed(mime string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if strings.EqualFold(mime, allowed) {
			return true
		}
	}
	return false
}

func chunkRanges(chunks []upload.Chunk) []upload.ByteRange {
	ranges := make([]upload.ByteRange, 0, len(chunks))
	for _, c := range chunks {
		ranges = append(ranges, upload.ByteRange{Offset: c.Offset, Length: c.Length})
	}
	return ranges
}

// normalizeHash lowercases and validates a hex-encoded sha-256 digest. An
// empty input is allowed and returned as-is.
func normalizeHash(h string) (string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return "", nil
	}
	if len(h) != sha256.Size*2 {
		return "", apperrors.Newf(apperrors.KindValidation, "hash must be %d hex characters", sha256.Size*2)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", apperrors.New(apperrors.KindValidation, "hash is not valid hex")
	}
	return h, nil
}

func extensionForMime(mime string) string {
	switch strings.ToLower(mime) {
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "video/webm":
		return ".webm"
	default:
		return ""
	}
}

// chunkSequenceReader streams the stored chunks of a session in offset order
// as one continuous byte stream.
type chunkSequenceReader struct {
	ctx       context.Context
	store     storage.ChunkStore
	sessionID uuid.UUID
	chunks    []upload.Chunk
	idx       int
	cur       io.ReadCloser
}

func newChunkSequenceReader(ctx context.Context, store storage.ChunkStore, sessionID uuid.UUID, chunks []upload.Chunk) *chunkSequenceReader {
	ordered := make([]upload.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })
	return &chunkSequenceReader{ctx: ctx, store: store, sessionID: sessionID, chunks: ordered}
}

func (r *chunkSequenceReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.chunks) {
				return 0, io.EOF
			}
			rc, err := r.store.OpenChunk(r.ctx, r.sessionID, r.chunks[r.idx].Offset)
			if err != nil {
				return 0, err
			}
			r.cur = rc
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			_ = r.cur.Close()
			r.cur = nil
			r.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkSequenceReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// headCapture keeps the first max bytes written to it and discards the rest.
type headCapture struct {
	buf bytes.Buffer
	max int
}

func (h *headCapture) Write(p []byte) (int, error) {
	if h.buf.Len() < h.max {
		keep := h.max - h.buf.Len()
		if keep > len(p) {
			keep = len(p)
		}
		h.buf.Write(p[:keep])
	}
	return len(p), nil
}

func (h *headCapture) Bytes() []byte { return h.buf.Bytes() }
