package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRange reports an unsatisfiable byte range request.
var ErrInvalidRange = errors.New("requested range not satisfiable")

// ChunkStore holds loose chunk payloads while an upload is in flight.
// Chunks are keyed by session and byte offset and purged after assembly.
type ChunkStore interface {
	PutChunk(ctx context.Context, sessionID uuid.UUID, offset int64, r io.Reader, size int64) error
	OpenChunk(ctx context.Context, sessionID uuid.UUID, offset int64) (io.ReadCloser, error)
	PurgeSession(ctx context.Context, sessionID uuid.UUID) error
}

// ObjectStore holds assembled uploads and merged artifacts.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Open returns the object body. A non-empty httpRange carries the raw
	// Range header value; partial responses set Object.ContentRange.
	Open(ctx context.Context, key string, httpRange string) (*Object, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Store is what both drivers implement.
type Store interface {
	ChunkStore
	ObjectStore
}

type ObjectInfo struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

type Object struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
	// ContentRange is set when Body carries a partial object, in the
	// response form "bytes start-end/total".
	ContentRange string
	ETag         string
	LastModified time.Time
}

// ChunkKey zero-pads the offset so lexical listing order matches byte order.
func ChunkKey(sessionID uuid.UUID, offset int64) string {
	return fmt.Sprintf("chunks/%s/%015d", sessionID, offset)
}

func ChunkPrefix(sessionID uuid.UUID) string {
	return fmt.Sprintf("chunks/%s/", sessionID)
}

func UploadKey(ownerID, sessionID uuid.UUID, ext string) string {
	return fmt.Sprintf("uploads/%s/%s%s", ownerID, sessionID, ext)
}

func ArtifactKey(artifactID uuid.UUID) string {
	return fmt.Sprintf("artifacts/%s.mp4", artifactID)
}
