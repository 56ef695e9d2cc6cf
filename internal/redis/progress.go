package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"fibreel-media/internal/domain/merge"
)

// Key patterns:
// - merge:progress:{merge_id} - status document cache, 24h TTL
// - merge:events:{merge_id}   - pub/sub channel carrying the same document

// ProgressUpdate is the status document cached per merge session and pushed
// to subscribers on every transition. It mirrors what GET /merges/:id/status
// returns so pollers and websocket clients see identical state.
type ProgressUpdate struct {
	MergeSessionID uuid.UUID    `json:"merge_session_id"`
	ChallengeID    uuid.UUID    `json:"challenge_id"`
	OwnerID        uuid.UUID    `json:"owner_id"`
	Status         merge.Status `json:"status"`
	Progress       int          `json:"progress"`
	ErrorCode      string       `json:"error_code,omitempty"`
	ErrorDetail    string       `json:"error_detail,omitempty"`
	FailedStage    string       `json:"failed_stage,omitempty"`
	ArtifactID     *uuid.UUID   `json:"artifact_id,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ProgressStore keeps the latest merge status in redis so status polls do
// not hit postgres, and fans transitions out over pub/sub.
type ProgressStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewProgressStore(client *goredis.Client, ttl time.Duration) *ProgressStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressStore{client: client, ttl: ttl}
}

func progressKey(mergeID uuid.UUID) string {
	return fmt.Sprintf("merge:progress:%s", mergeID)
}

func eventsChannel(mergeID uuid.UUID) string {
	return fmt.Sprintf("merge:events:%s", mergeID)
}

// Set caches the document and publishes it to subscribers. Cache and fanout
// are best effort on the write path: postgres stays the source of truth.
func (p *ProgressStore) Set(ctx context.Context, update ProgressUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	pipe := p.client.Pipeline()
	pipe.Set(ctx, progressKey(update.MergeSessionID), data, p.ttl)
	pipe.Publish(ctx, eventsChannel(update.MergeSessionID), data)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the cached document, or nil on a cache miss.
func (p *ProgressStore) Get(ctx context.Context, mergeID uuid.UUID) (*ProgressUpdate, error) {
	data, err := p.client.Get(ctx, progressKey(mergeID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var update ProgressUpdate
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		return nil, err
	}
	return &update, nil
}

func (p *ProgressStore) Invalidate(ctx context.Context, mergeID uuid.UUID) error {
	return p.client.Del(ctx, progressKey(mergeID)).Err()
}

// Subscribe streams updates for one merge session to the handler until ctx
// is done or the connection drops.
func (p *ProgressStore) Subscribe(ctx context.Context, mergeID uuid.UUID, handler func(ProgressUpdate)) error {
	sub := p.client.Subscribe(ctx, eventsChannel(mergeID))
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		var update ProgressUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			continue
		}
		handler(update)
	}
}
