package uploadclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fibreel-media/pkg/errors"
)

const testToken = "test-token"

// fakeAPI serves the upload and merge wire contract in memory so client
// behavior can be exercised end to end without a real backend.
type fakeAPI struct {
	mu sync.Mutex

	maxChunkSize int64
	sessions     map[string]*fakeSession
	nextSession  int

	failChunks     int // chunk requests to answer 503 before succeeding
	rejectInitiate *fakeRejection

	initiateCalls int
	chunkCalls    int
	chunkOffsets  []int64
	maxChunkLen   int

	mergeDocs  []MergeStatus // scripted status answers; the last one repeats
	mergeCalls int
	mergeReq   MergeRequest

	srv *httptest.Server
}

type fakeSession struct {
	id      string
	index   int
	size    int64
	buf     []byte
	covered []bool
	done    bool
}

type fakeRejection struct {
	status  int
	message string
	code    string
	hint    string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		maxChunkSize: 64 << 10,
		sessions:     make(map[string]*fakeSession),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.route))
	t.Cleanup(f.srv.Close)
	return f
}

// client builds a Client against the fake with millisecond retry sleeps.
// Options passed in override the fast policy.
func (f *fakeAPI) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithRetryPolicy(fastPolicy())}
	return New(f.srv.URL, testToken, append(base, opts...)...)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func (f *fakeAPI) route(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		writeFakeError(w, http.StatusUnauthorized, "unauthorized", "UNAUTHORIZED", "")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodPost && path == "uploads/initiate":
		f.handleInitiate(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(path, "uploads/") && strings.HasSuffix(path, "/chunk"):
		f.handleChunk(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "uploads/"), "/chunk"))
	case r.Method == http.MethodPost && strings.HasPrefix(path, "uploads/") && strings.HasSuffix(path, "/complete"):
		f.handleComplete(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "uploads/"), "/complete"))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "uploads/") && strings.HasSuffix(path, "/status"):
		f.handleUploadStatus(w, strings.TrimSuffix(strings.TrimPrefix(path, "uploads/"), "/status"))
	case r.Method == http.MethodPost && path == "merges":
		f.handleSubmitMerge(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "merges/") && strings.HasSuffix(path, "/status"):
		f.handleMergeStatus(w)
	default:
		writeFakeError(w, http.StatusNotFound, "no such route", "NOT_FOUND", "")
	}
}

func (f *fakeAPI) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFakeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION", "")
		return
	}

	f.mu.Lock()
	f.initiateCalls++
	if rej := f.rejectInitiate; rej != nil {
		f.mu.Unlock()
		writeFakeError(w, rej.status, rej.message, rej.code, rej.hint)
		return
	}
	f.nextSession++
	s := &fakeSession{
		id:      fmt.Sprintf("sess-%d", f.nextSession),
		index:   req.StatementIndex,
		size:    req.DeclaredSize,
		buf:     make([]byte, req.DeclaredSize),
		covered: make([]bool, req.DeclaredSize),
	}
	f.sessions[s.id] = s
	f.mu.Unlock()

	writeFakeData(w, http.StatusCreated, Session{
		SessionID:      s.id,
		StatementIndex: s.index,
		Status:         "active",
		MaxChunkSize:   f.maxChunkSize,
		ExpiresAt:      time.Now().Add(time.Hour).UTC(),
	})
}

func (f *fakeAPI) handleChunk(w http.ResponseWriter, r *http.Request, id string) {
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		writeFakeError(w, http.StatusBadRequest, "invalid offset", "VALIDATION", "")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, "unreadable chunk body", "VALIDATION", "")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkCalls++
	f.chunkOffsets = append(f.chunkOffsets, offset)
	if len(body) > f.maxChunkLen {
		f.maxChunkLen = len(body)
	}
	if f.failChunks > 0 {
		f.failChunks--
		writeFakeError(w, http.StatusServiceUnavailable, "storage unavailable", "SERVER_ERROR", "")
		return
	}
	s, ok := f.sessions[id]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "upload session not found", "NOT_FOUND", "")
		return
	}
	if offset+int64(len(body)) > s.size {
		writeFakeError(w, http.StatusBadRequest, "chunk extends past declared size", "QUOTA_EXCEEDED", "")
		return
	}
	copy(s.buf[offset:], body)
	for i := int64(0); i < int64(len(body)); i++ {
		s.covered[offset+i] = true
	}
	writeFakeData(w, http.StatusOK, ChunkResult{SessionID: s.id, ReceivedBytes: s.received()})
}

func (f *fakeAPI) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		FullFileHash string `json:"full_file_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFakeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION", "")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "upload session not found", "NOT_FOUND", "")
		return
	}
	if len(s.missing()) > 0 {
		writeFakeError(w, http.StatusBadRequest, "upload has missing byte ranges", "VALIDATION", "")
		return
	}
	sum := sha256.Sum256(s.buf)
	if req.FullFileHash != hex.EncodeToString(sum[:]) {
		writeFakeError(w, http.StatusUnprocessableEntity, "file hash does not match", "HASH_MISMATCH", "")
		return
	}
	s.done = true
	writeFakeData(w, http.StatusOK, CompleteResult{
		SessionID:   s.id,
		FileID:      "file-" + s.id,
		Status:      StatusCompleted,
		SizeBytes:   s.size,
		CompletedAt: time.Now().UTC(),
	})
}

func (f *fakeAPI) handleUploadStatus(w http.ResponseWriter, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "upload session not found", "NOT_FOUND", "")
		return
	}
	status := "active"
	if s.done {
		status = StatusCompleted
	}
	writeFakeData(w, http.StatusOK, UploadStatus{
		SessionID:      s.id,
		StatementIndex: s.index,
		Status:         status,
		DeclaredSize:   s.size,
		ReceivedBytes:  s.received(),
		MissingRanges:  s.missing(),
		ExpiresAt:      time.Now().Add(time.Hour).UTC(),
	})
}

func (f *fakeAPI) handleSubmitMerge(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := json.NewDecoder(r.Body).Decode(&f.mergeReq); err != nil {
		writeFakeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION", "")
		return
	}
	writeFakeData(w, http.StatusAccepted, MergeSubmission{
		MergeSessionID: "merge-1",
		ChallengeID:    f.mergeReq.ChallengeID,
		Status:         "queued",
		Progress:       0,
	})
}

func (f *fakeAPI) handleMergeStatus(w http.ResponseWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls++
	if len(f.mergeDocs) == 0 {
		writeFakeError(w, http.StatusNotFound, "merge session not found", "NOT_FOUND", "")
		return
	}
	doc := f.mergeDocs[0]
	if len(f.mergeDocs) > 1 {
		f.mergeDocs = f.mergeDocs[1:]
	}
	writeFakeData(w, http.StatusOK, doc)
}

func (s *fakeSession) received() int64 {
	var n int64
	for _, c := range s.covered {
		if c {
			n++
		}
	}
	return n
}

func (s *fakeSession) missing() []ByteRange {
	var out []ByteRange
	start := int64(-1)
	for i := int64(0); i <= s.size; i++ {
		gap := i < s.size && !s.covered[i]
		switch {
		case gap && start < 0:
			start = i
		case !gap && start >= 0:
			out = append(out, ByteRange{Offset: start, Length: i - start})
			start = -1
		}
	}
	return out
}

// seed installs a session with the first uploadedPrefix bytes already stored,
// as if a previous client run was interrupted.
func (f *fakeAPI) seed(id string, index int, content []byte, uploadedPrefix int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{
		id:      id,
		index:   index,
		size:    int64(len(content)),
		buf:     make([]byte, len(content)),
		covered: make([]bool, len(content)),
	}
	copy(s.buf, content[:uploadedPrefix])
	for i := 0; i < uploadedPrefix; i++ {
		s.covered[i] = true
	}
	f.sessions[id] = s
}

func (f *fakeAPI) markCompleted(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].done = true
}

func (f *fakeAPI) counts() (initiates, chunks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls, f.chunkCalls
}

func (f *fakeAPI) offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.chunkOffsets))
	copy(out, f.chunkOffsets)
	return out
}

func (f *fakeAPI) largestChunk() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxChunkLen
}

func (f *fakeAPI) sessionBytes(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

func (f *fakeAPI) mergePolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergeCalls
}

func (f *fakeAPI) lastMergeRequest() MergeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergeReq
}

func writeFakeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeFakeError(w http.ResponseWriter, status int, message, code, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message, "code": code, "hint": hint})
}

func mustInitiateSession(t *testing.T, c *Client, size int64) Session {
	t.Helper()
	sess, err := c.Initiate(context.Background(), InitiateRequest{
		StatementIndex: 0,
		DeclaredSize:   size,
		MimeType:       "video/mp4",
	})
	require.NoError(t, err)
	return sess
}

func TestClientAuthRequired(t *testing.T) {
	f := newFakeAPI(t)
	c := New(f.srv.URL, "wrong-token", WithRetryPolicy(fastPolicy()))

	_, err := c.Initiate(context.Background(), InitiateRequest{StatementIndex: 0, DeclaredSize: 10, MimeType: "video/mp4"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuth))
	assert.False(t, Transient(err))
}

func TestClientRetriesTransientFailures(t *testing.T) {
	f := newFakeAPI(t)
	f.failChunks = 3
	c := f.client(t)

	sess := mustInitiateSession(t, c, 128)
	res, err := c.UploadChunk(context.Background(), sess.SessionID, 0, make([]byte, 128))
	require.NoError(t, err)
	assert.Equal(t, int64(128), res.ReceivedBytes)

	_, chunks := f.counts()
	assert.Equal(t, 4, chunks) // three failures plus the success
}

func TestClientChunkBudgetExhausted(t *testing.T) {
	f := newFakeAPI(t)
	f.failChunks = 100
	c := f.client(t, WithAttemptBudget(AttemptBudget{Initiate: 3, Chunk: 2, Complete: 4, Status: 3}))

	sess := mustInitiateSession(t, c, 16)
	_, err := c.UploadChunk(context.Background(), sess.SessionID, 0, make([]byte, 16))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindServer))

	_, chunks := f.counts()
	assert.Equal(t, 2, chunks)
}

func TestClientCancelDuringBackoff(t *testing.T) {
	f := newFakeAPI(t)
	f.failChunks = 100
	c := f.client(t, WithRetryPolicy(RetryPolicy{BaseDelay: time.Minute, Multiplier: 2, MaxDelay: time.Minute}))

	sess := mustInitiateSession(t, c, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.UploadChunk(ctx, sess.SessionID, 0, make([]byte, 16))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, apperrors.IsKind(err, apperrors.KindCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
}

func TestClientMapsErrorEnvelopes(t *testing.T) {
	f := newFakeAPI(t)
	f.rejectInitiate = &fakeRejection{
		status:  http.StatusRequestEntityTooLarge,
		message: "declared size exceeds the per-file limit",
		code:    "FILE_TOO_LARGE",
		hint:    "record a shorter clip",
	}
	c := f.client(t)

	_, err := c.Initiate(context.Background(), InitiateRequest{StatementIndex: 1, DeclaredSize: 1 << 40, MimeType: "video/mp4"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindFileTooLarge))
	assert.Contains(t, err.Error(), "per-file limit")
	assert.Equal(t, "record a shorter clip", apperrors.HintOf(err))
	assert.False(t, Transient(err))

	initiates, _ := f.counts()
	assert.Equal(t, 1, initiates) // permanent rejections are not retried
}

func TestClientSurvivesNonEnvelopeAnswers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	defer srv.Close()

	c := New(srv.URL, testToken,
		WithRetryPolicy(fastPolicy()),
		WithAttemptBudget(AttemptBudget{Initiate: 2, Chunk: 2, Complete: 2, Status: 2}))

	_, err := c.Status(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindServer))
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestSubmitMerge(t *testing.T) {
	f := newFakeAPI(t)
	c := f.client(t)

	sub, err := c.SubmitMerge(context.Background(), MergeRequest{
		ChallengeID:      "11111111-1111-1111-1111-111111111111",
		UploadSessionIDs: []string{"sess-1", "sess-2", "sess-3"},
		StatementTypes:   []string{"truth", "truth", "lie"},
	})
	require.NoError(t, err)
	assert.Equal(t, "merge-1", sub.MergeSessionID)
	assert.Equal(t, "queued", sub.Status)

	req := f.lastMergeRequest()
	assert.Equal(t, []string{"sess-1", "sess-2", "sess-3"}, req.UploadSessionIDs)
	assert.Equal(t, []string{"truth", "truth", "lie"}, req.StatementTypes)
}

func TestWaitForMerge(t *testing.T) {
	t.Run("already terminal", func(t *testing.T) {
		f := newFakeAPI(t)
		f.mergeDocs = []MergeStatus{{MergeSessionID: "merge-1", Status: StatusCompleted, Progress: 100, ArtifactID: "art-1"}}
		c := f.client(t)

		st, err := c.WaitForMerge(context.Background(), "merge-1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, st.Status)
		assert.Equal(t, "art-1", st.ArtifactID)
		assert.Equal(t, 1, f.mergePolls())
	})

	t.Run("polls until completed", func(t *testing.T) {
		f := newFakeAPI(t)
		f.mergeDocs = []MergeStatus{
			{MergeSessionID: "merge-1", Status: "merging", Progress: 40},
			{MergeSessionID: "merge-1", Status: StatusCompleted, Progress: 100, ArtifactID: "art-2"},
		}
		c := f.client(t)

		st, err := c.WaitForMerge(context.Background(), "merge-1")
		require.NoError(t, err)
		assert.Equal(t, "art-2", st.ArtifactID)
		assert.Equal(t, 2, f.mergePolls())
	})

	t.Run("failed merge surfaces the recorded error", func(t *testing.T) {
		f := newFakeAPI(t)
		f.mergeDocs = []MergeStatus{{
			MergeSessionID: "merge-1",
			Status:         StatusFailed,
			Progress:       62,
			ErrorCode:      "MERGE_FAILED",
			ErrorDetail:    "ffmpeg exited with status 1",
			FailedStage:    "concat",
		}}
		c := f.client(t)

		st, err := c.WaitForMerge(context.Background(), "merge-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindMergeStage))
		assert.Contains(t, err.Error(), "ffmpeg exited with status 1")
		assert.Equal(t, StatusFailed, st.Status)
		assert.Equal(t, "concat", st.FailedStage)
		assert.Equal(t, 1, f.mergePolls())
	})

	t.Run("gives up at the wait cap", func(t *testing.T) {
		f := newFakeAPI(t)
		f.mergeDocs = []MergeStatus{{MergeSessionID: "merge-1", Status: "merging", Progress: 10}}
		c := f.client(t, WithWaitCap(250*time.Millisecond))

		_, err := c.WaitForMerge(context.Background(), "merge-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "merging")
	})
}
