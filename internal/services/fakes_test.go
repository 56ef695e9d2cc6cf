package services

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fibreel-media/internal/domain/media"
	"fibreel-media/internal/domain/merge"
	"fibreel-media/internal/domain/upload"
	"fibreel-media/internal/notify"
	apperrors "fibreel-media/pkg/errors"
)

// memUploadRepo mirrors the postgres UploadRepository conflict semantics in
// memory so service tests run without a database.
type memUploadRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]upload.UploadSession
	chunks   map[uuid.UUID][]upload.Chunk
}

func newMemUploadRepo() *memUploadRepo {
	return &memUploadRepo{
		sessions: make(map[uuid.UUID]upload.UploadSession),
		chunks:   make(map[uuid.UUID][]upload.Chunk),
	}
}

func (r *memUploadRepo) Create(_ context.Context, s *upload.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return apperrors.ErrAlreadyExists
	}
	r.sessions[s.ID] = *s
	return nil
}

func (r *memUploadRepo) GetByID(_ context.Context, id uuid.UUID) (upload.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return upload.UploadSession{}, apperrors.ErrNotFound
	}
	return s, nil
}

func (r *memUploadRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]upload.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []upload.UploadSession
	seen := make(map[uuid.UUID]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memUploadRepo) AddChunk(_ context.Context, sessionID uuid.UUID, c upload.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if s.Status != upload.StatusInitiated && s.Status != upload.StatusInProgress {
		return apperrors.ErrConflict
	}
	for _, existing := range r.chunks[sessionID] {
		if existing.Offset == c.Offset {
			return apperrors.ErrAlreadyExists
		}
	}
	r.chunks[sessionID] = append(r.chunks[sessionID], c)
	s.ReceivedBytes += c.Length
	if s.Status == upload.StatusInitiated {
		s.Status = upload.StatusInProgress
	}
	s.UpdatedAt = time.Now().UTC()
	r.sessions[sessionID] = s
	return nil
}

func (r *memUploadRepo) ListChunks(_ context.Context, sessionID uuid.UUID) ([]upload.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chunks := append([]upload.Chunk(nil), r.chunks[sessionID]...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })
	return chunks, nil
}

func (r *memUploadRepo) DeleteChunks(_ context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, sessionID)
	return nil
}

func (r *memUploadRepo) MarkCompleted(_ context.Context, id uuid.UUID, objectKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != upload.StatusInProgress {
		return apperrors.ErrConflict
	}
	now := time.Now().UTC()
	s.Status = upload.StatusCompleted
	s.ObjectKey = objectKey
	s.CompletedAt = &now
	s.UpdatedAt = now
	r.sessions[id] = s
	return nil
}

func (r *memUploadRepo) MarkFailed(_ context.Context, id uuid.UUID) error {
	return r.markTerminal(id, upload.StatusFailed)
}

func (r *memUploadRepo) MarkExpired(_ context.Context, id uuid.UUID) error {
	return r.markTerminal(id, upload.StatusExpired)
}

func (r *memUploadRepo) markTerminal(id uuid.UUID, to upload.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || (s.Status != upload.StatusInitiated && s.Status != upload.StatusInProgress) {
		return apperrors.ErrConflict
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	r.sessions[id] = s
	return nil
}

func (r *memUploadRepo) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]upload.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []upload.UploadSession
	for _, s := range r.sessions {
		if len(out) == limit {
			break
		}
		live := s.Status == upload.StatusInitiated || s.Status == upload.StatusInProgress
		if live && s.ExpiresAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memUploadRepo) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		terminal := s.Status == upload.StatusCompleted || s.Status == upload.StatusExpired || s.Status == upload.StatusFailed
		if terminal && s.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// set replaces a stored session wholesale. Test setup helper.
func (r *memUploadRepo) set(s upload.UploadSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// memMergeRepo is the in-memory MergeRepository. ListReady consults the
// upload repo the same way the SQL implementation joins upload_sessions.
type memMergeRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]merge.MergeSession
	uploads  *memUploadRepo
}

func newMemMergeRepo(uploads *memUploadRepo) *memMergeRepo {
	return &memMergeRepo{
		sessions: make(map[uuid.UUID]merge.MergeSession),
		uploads:  uploads,
	}
}

func (r *memMergeRepo) Create(_ context.Context, m *merge.MergeSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.UploadSessionIDs == m.UploadSessionIDs && existing.Status != merge.StatusFailed {
			return apperrors.ErrAlreadyExists
		}
	}
	if _, ok := r.sessions[m.ID]; ok {
		return apperrors.ErrAlreadyExists
	}
	r.sessions[m.ID] = *m
	return nil
}

func (r *memMergeRepo) GetByID(_ context.Context, id uuid.UUID) (merge.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	if !ok {
		return merge.MergeSession{}, apperrors.ErrNotFound
	}
	return m, nil
}

func (r *memMergeRepo) FindLiveByUploads(_ context.Context, ids [3]uuid.UUID) (merge.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *merge.MergeSession
	for _, m := range r.sessions {
		m := m
		if m.UploadSessionIDs == ids && m.Status != merge.StatusFailed {
			if found == nil || m.CreatedAt.After(found.CreatedAt) {
				found = &m
			}
		}
	}
	if found == nil {
		return merge.MergeSession{}, apperrors.ErrNotFound
	}
	return *found, nil
}

func (r *memMergeRepo) FindPendingByUpload(_ context.Context, uploadID uuid.UUID) ([]merge.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []merge.MergeSession
	for _, m := range r.sessions {
		if m.Status != merge.StatusPending {
			continue
		}
		for _, id := range m.UploadSessionIDs {
			if id == uploadID {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func (r *memMergeRepo) ClaimPending(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	if !ok || m.Status != merge.StatusPending {
		return false, nil
	}
	m.Status = merge.StatusAnalyzing
	if p, ok := merge.Progress(m.Status); ok {
		m.Progress = p
	}
	m.UpdatedAt = time.Now().UTC()
	r.sessions[id] = m
	return true, nil
}

func (r *memMergeRepo) Transition(_ context.Context, id uuid.UUID, from, to merge.Status) error {
	if !merge.CanTransition(from, to) {
		return apperrors.ErrConflict
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	if !ok || m.Status != from {
		return apperrors.ErrConflict
	}
	m.Status = to
	if p, ok := merge.Progress(to); ok {
		m.Progress = p
	}
	m.UpdatedAt = time.Now().UTC()
	r.sessions[id] = m
	return nil
}

func (r *memMergeRepo) MarkCompleted(_ context.Context, id uuid.UUID, artifactID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	if !ok || m.Status != merge.StatusFinalizing {
		return apperrors.ErrConflict
	}
	now := time.Now().UTC()
	m.Status = merge.StatusCompleted
	if p, ok := merge.Progress(m.Status); ok {
		m.Progress = p
	}
	m.ArtifactID = &artifactID
	m.CompletedAt = &now
	m.UpdatedAt = now
	r.sessions[id] = m
	return nil
}

func (r *memMergeRepo) MarkFailed(_ context.Context, id uuid.UUID, stage, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	if !ok || m.Status.IsTerminal() {
		return apperrors.ErrConflict
	}
	m.Status = merge.StatusFailed
	m.FailedStage = stage
	m.ErrorDetail = detail
	m.UpdatedAt = time.Now().UTC()
	r.sessions[id] = m
	return nil
}

func (r *memMergeRepo) ListReady(_ context.Context, limit int) ([]merge.MergeSession, error) {
	r.mu.Lock()
	pending := make([]merge.MergeSession, 0)
	for _, m := range r.sessions {
		if m.Status == merge.StatusPending {
			pending = append(pending, m)
		}
	}
	r.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	var out []merge.MergeSession
	for _, m := range pending {
		if len(out) == limit {
			break
		}
		ready := true
		for _, id := range m.UploadSessionIDs {
			s, err := r.uploads.GetByID(context.Background(), id)
			if err != nil || s.Status != upload.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMergeRepo) FailStuck(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.sessions {
		working := m.Status == merge.StatusAnalyzing || m.Status == merge.StatusNormalizing ||
			m.Status == merge.StatusMerging || m.Status == merge.StatusFinalizing
		if working && m.UpdatedAt.Before(olderThan) {
			m.FailedStage = string(m.Status)
			m.Status = merge.StatusFailed
			m.ErrorDetail = "merge interrupted; the worker processing it went away"
			m.UpdatedAt = time.Now().UTC()
			r.sessions[id] = m
			n++
		}
	}
	return n, nil
}

func (r *memMergeRepo) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.sessions {
		if m.Status.IsTerminal() && m.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// set replaces a stored session wholesale. Test setup helper.
func (r *memMergeRepo) set(m merge.MergeSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[m.ID] = m
}

type memArtifactRepo struct {
	mu        sync.Mutex
	artifacts map[uuid.UUID]media.Artifact
}

func newMemArtifactRepo() *memArtifactRepo {
	return &memArtifactRepo{artifacts: make(map[uuid.UUID]media.Artifact)}
}

func (r *memArtifactRepo) Create(_ context.Context, a *media.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.artifacts[a.ID]; ok {
		return apperrors.ErrAlreadyExists
	}
	r.artifacts[a.ID] = *a
	return nil
}

func (r *memArtifactRepo) GetByID(_ context.Context, id uuid.UUID) (media.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[id]
	if !ok {
		return media.Artifact{}, apperrors.ErrNotFound
	}
	return a, nil
}

func (r *memArtifactRepo) GetByChallengeID(_ context.Context, challengeID uuid.UUID) (media.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *media.Artifact
	for _, a := range r.artifacts {
		a := a
		if a.ChallengeID == challengeID {
			if found == nil || a.CreatedAt.After(found.CreatedAt) {
				found = &a
			}
		}
	}
	if found == nil {
		return media.Artifact{}, apperrors.ErrNotFound
	}
	return *found, nil
}

func (r *memArtifactRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.artifacts, id)
	return nil
}

// recordingDispatcher captures OfferUpload calls from the upload service.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (d *recordingDispatcher) OfferUpload(_ context.Context, id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

func (d *recordingDispatcher) offered() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.ids...)
}

// recordingNotifier captures webhook events instead of delivering them.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) sent() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

// fakeFFmpeg stands in for the ffmpeg/ffprobe binaries. Probe calls answer
// with canned JSON keyed by the probed file's base name; ffmpeg calls write a
// placeholder output file at the final argument, as the real binary would.
type fakeFFmpeg struct {
	mu     sync.Mutex
	probes map[string]string
	output []byte
	errFor string
	err    error
	calls  []string
}

func newFakeFFmpeg() *fakeFFmpeg {
	return &fakeFFmpeg{
		probes: make(map[string]string),
		output: []byte("fake video payload"),
	}
}

// probeDoc renders the subset of ffprobe JSON the toolchain reads.
func probeDoc(duration float64, codec string, width, height int, rate string) string {
	return fmt.Sprintf(
		`{"format":{"duration":"%0.3f"},"streams":[{"codec_type":"video","codec_name":"%s","width":%d,"height":%d,"r_frame_rate":"%s"},{"codec_type":"audio","codec_name":"aac"}]}`,
		duration, codec, width, height, rate)
}

func (f *fakeFFmpeg) setProbe(baseName string, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[baseName] = doc
}

// failOn makes any invocation whose arguments contain the substring fail.
func (f *fakeFFmpeg) failOn(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errFor = substr
	f.err = err
}

func (f *fakeFFmpeg) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, line)
	if f.errFor != "" && strings.Contains(line, f.errFor) {
		return nil, f.err
	}

	target := args[len(args)-1]
	base := baseName(target)
	if strings.Contains(name, "ffprobe") {
		doc, ok := f.probes[base]
		if !ok {
			return nil, fmt.Errorf("unexpected probe of %s", base)
		}
		return []byte(doc), nil
	}
	return nil, os.WriteFile(target, f.output, 0o644)
}

func (f *fakeFFmpeg) callLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
