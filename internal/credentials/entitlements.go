package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownUser         = errors.New("unknown user")
)

// Entitlements decides whether a user may open another interview session.
type Entitlements interface {
	// Consume takes one session credit from userID.
	Consume(ctx context.Context, userID string) error
	// Refund returns a credit taken by Consume when the session could not be issued.
	Refund(ctx context.Context, userID string) error
}

// Returns the remaining balance, -1 when empty, -2 when the user has no
// balance key and no starting grant is configured.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  local start = tonumber(ARGV[1])
  if start <= 0 then return -2 end
  redis.call('SET', KEYS[1], start)
  v = start
end
if tonumber(v) <= 0 then return -1 end
return redis.call('DECR', KEYS[1])
`)

// RedisCredits keeps a per-user credit balance in Redis.
type RedisCredits struct {
	client redis.UniversalClient
	prefix string
	start  int
}

// NewRedisCredits creates a credit counter. Users without a balance key are
// granted start credits on first use; start <= 0 treats them as unknown.
func NewRedisCredits(client redis.UniversalClient, prefix string, start int) *RedisCredits {
	if prefix == "" {
		prefix = "voice:credits:"
	}
	return &RedisCredits{client: client, prefix: prefix, start: start}
}

func (r *RedisCredits) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisCredits) Consume(ctx context.Context, userID string) error {
	n, err := consumeScript.Run(ctx, r.client, []string{r.key(userID)}, r.start).Int64()
	if err != nil {
		return fmt.Errorf("consume credit: %w", err)
	}
	switch n {
	case -1:
		return ErrInsufficientCredits
	case -2:
		return ErrUnknownUser
	}
	return nil
}

func (r *RedisCredits) Refund(ctx context.Context, userID string) error {
	return r.client.Incr(ctx, r.key(userID)).Err()
}

// Grant sets userID's balance.
func (r *RedisCredits) Grant(ctx context.Context, userID string, credits int) error {
	return r.client.Set(ctx, r.key(userID), credits, 0).Err()
}

// Balance returns userID's remaining credits.
func (r *RedisCredits) Balance(ctx context.Context, userID string) (int, error) {
	n, err := r.client.Get(ctx, r.key(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrUnknownUser
	}
	return n, err
}
