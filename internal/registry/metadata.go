package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/models"
)

// MetadataStore mirrors session metadata outside the process. The live
// socket is never mirrored, only existence and status.
type MetadataStore interface {
	Put(ctx context.Context, meta models.SessionMeta, ttl time.Duration) error
	// Get returns nil, nil when the session is unknown.
	Get(ctx context.Context, sessionID string) (*models.SessionMeta, error)
	Delete(ctx context.Context, sessionID string) error
	PublishStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
}

// statusPayload is published on the per-session status channel.
type statusPayload struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	At        int64                `json:"at"`
}

// RedisMetadata stores metadata as JSON strings with a TTL and fans status
// changes out over pub/sub.
type RedisMetadata struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisMetadata creates a Redis-backed metadata mirror.
func NewRedisMetadata(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisMetadata {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "voice:session:"
	}
	return &RedisMetadata{client: client, prefix: prefix, logger: logger}
}

func (r *RedisMetadata) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisMetadata) channel(sessionID string) string {
	return r.prefix + "status:" + sessionID
}

// Put writes meta with ttl.
func (r *RedisMetadata) Put(ctx context.Context, meta models.SessionMeta, ttl time.Duration) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return r.client.Set(ctx, r.key(meta.SessionID), body, ttl).Err()
}

// Get reads meta for sessionID.
func (r *RedisMetadata) Get(ctx context.Context, sessionID string) (*models.SessionMeta, error) {
	raw, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta models.SessionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &meta, nil
}

// Delete removes meta for sessionID.
func (r *RedisMetadata) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}

// PublishStatus announces a status change to other processes.
func (r *RedisMetadata) PublishStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	body, err := json.Marshal(statusPayload{SessionID: sessionID, Status: status, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(sessionID), body).Err()
}

// SubscribeStatus calls handler for every status published for sessionID.
// The returned cancel function stops the subscription.
func (r *RedisMetadata) SubscribeStatus(ctx context.Context, sessionID string, handler func(models.SessionStatus, time.Time)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, r.channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p statusPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Warn("bad status payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(p.Status, time.Unix(p.At, 0))
			}
		}
	}()
	return cancelCtx, nil
}

// NopMetadata is used when no external store is configured.
type NopMetadata struct{}

func (NopMetadata) Put(context.Context, models.SessionMeta, time.Duration) error { return nil }

func (NopMetadata) Get(context.Context, string) (*models.SessionMeta, error) { return nil, nil }

func (NopMetadata) Delete(context.Context, string) error { return nil }

func (NopMetadata) PublishStatus(context.Context, string, models.SessionStatus) error { return nil }
