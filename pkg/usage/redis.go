package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// The comparison and the increment run inside one script so concurrent
// gateway instances cannot both admit the request at the boundary.
var redisCheckIncrScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, current}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisCounter stores one expiring key per user and day.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	ttlSec int64
}

// NewRedisCounter keys counters as <prefix>:usage:<day>:<user>. Keys expire
// after retentionDays+1 days, which replaces explicit pruning.
func NewRedisCounter(client redis.UniversalClient, prefix string, retentionDays int) *RedisCounter {
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &RedisCounter{
		client: client,
		prefix: strings.TrimSpace(prefix),
		ttlSec: int64(retentionDays+1) * 24 * 60 * 60,
	}
}

func (r *RedisCounter) key(day, userID string) string {
	if r.prefix == "" {
		return "usage:" + day + ":" + userID
	}
	return r.prefix + ":usage:" + day + ":" + userID
}

func (r *RedisCounter) Current(ctx context.Context, day, userID string) (int64, error) {
	v, err := r.client.Get(ctx, r.key(day, userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage redis: get: %w", err)
	}
	return v, nil
}

func (r *RedisCounter) IncrementIfBelow(ctx context.Context, day, userID string, limit int64) (int64, bool, error) {
	res, err := redisCheckIncrScript.Run(ctx, r.client, []string{r.key(day, userID)}, limit, r.ttlSec).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("usage redis: eval: %w", err)
	}
	if len(res) != 2 {
		return 0, false, errors.New("usage redis: unexpected script response")
	}
	return res[1], res[0] == 1, nil
}

// PruneBefore is a no-op; keys carry their own expiry.
func (r *RedisCounter) PruneBefore(context.Context, string) error {
	return nil
}
