package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "fibreel-media/pkg/errors"
)

// FSStore keeps blobs under a root directory, mirroring object keys as
// relative paths. Writes go through a temp file and a rename so a crashed
// upload never leaves a half-written blob behind.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) write(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FSStore) PutChunk(ctx context.Context, sessionID uuid.UUID, offset int64, r io.Reader, size int64) error {
	return s.write(s.path(ChunkKey(sessionID, offset)), r)
}

func (s *FSStore) OpenChunk(ctx context.Context, sessionID uuid.UUID, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path(ChunkKey(sessionID, offset)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *FSStore) PurgeSession(ctx context.Context, sessionID uuid.UUID) error {
	return os.RemoveAll(s.path(strings.TrimSuffix(ChunkPrefix(sessionID), "/")))
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return s.write(s.path(key), r)
}

func (s *FSStore) Open(ctx context.Context, key string, httpRange string) (*Object, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	obj := &Object{
		Body:          f,
		ContentLength: info.Size(),
		ContentType:   contentTypeByExt(key),
		LastModified:  info.ModTime(),
	}

	offset, length, partial, err := parseRange(httpRange, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if !partial {
		return obj, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	obj.Body = &sectionReadCloser{Reader: io.LimitReader(f, length), f: f}
	obj.ContentLength = length
	obj.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, info.Size())
	return obj, nil
}

func (s *FSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, apperrors.ErrNotFound
		}
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Size:         info.Size(),
		ContentType:  contentTypeByExt(key),
		LastModified: info.ModTime(),
	}, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return apperrors.ErrNotFound
	}
	return err
}

type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

func contentTypeByExt(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// parseRange handles a single-range header "bytes=a-b", "bytes=a-" or
// "bytes=-n". Malformed or multi-range values fall back to the whole
// object, unsatisfiable ones return ErrInvalidRange.
func parseRange(httpRange string, size int64) (offset, length int64, partial bool, err error) {
	if httpRange == "" {
		return 0, 0, false, nil
	}
	spec, ok := strings.CutPrefix(httpRange, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, nil
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false, nil
	}
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)

	if start == "" {
		// suffix form: last n bytes
		n, convErr := strconv.ParseInt(end, 10, 64)
		if convErr != nil || n <= 0 {
			return 0, 0, false, ErrInvalidRange
		}
		if n > size {
			n = size
		}
		return size - n, n, true, nil
	}

	from, convErr := strconv.ParseInt(start, 10, 64)
	if convErr != nil || from < 0 {
		return 0, 0, false, nil
	}
	if from >= size {
		return 0, 0, false, ErrInvalidRange
	}
	if end == "" {
		return from, size - from, true, nil
	}
	to, convErr := strconv.ParseInt(end, 10, 64)
	if convErr != nil || to < from {
		return 0, 0, false, ErrInvalidRange
	}
	if to >= size {
		to = size - 1
	}
	return from, to - from + 1, true, nil
}
