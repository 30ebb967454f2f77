/**
 * Redis quota store
 *
 * One hash per scope ("ocr:quota:<scope>") holding month and used.
 * The month-aware increment runs as a Lua script so concurrent replicas
 * never lose updates.
 */

package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adverant/nexus/ocr-gateway/internal/quota"
	"github.com/redis/go-redis/v9"
)

const (
	quotaKeyPrefix = "ocr:quota:"

	// long enough to outlive the month it counts
	quotaKeyTTL = 62 * 24 * time.Hour
)

var addUsageScript = redis.NewScript(`
local month = redis.call('HGET', KEYS[1], 'month')
local used
if month == ARGV[1] then
  used = redis.call('HINCRBY', KEYS[1], 'used', ARGV[2])
else
  redis.call('HSET', KEYS[1], 'month', ARGV[1], 'used', ARGV[2])
  used = tonumber(ARGV[2])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return used
`)

// RedisQuotaStore persists quota counters in Redis
type RedisQuotaStore struct {
	client redis.UniversalClient
}

// NewRedisQuotaStore wraps an existing client; the caller owns its lifecycle
func NewRedisQuotaStore(client redis.UniversalClient) *RedisQuotaStore {
	return &RedisQuotaStore{client: client}
}

func quotaKey(scope string) string {
	return quotaKeyPrefix + scope
}

func (r *RedisQuotaStore) Load(ctx context.Context, scope string) (quota.Record, error) {
	fields, err := r.client.HGetAll(ctx, quotaKey(scope)).Result()
	if err != nil {
		return quota.Record{}, fmt.Errorf("failed to load quota %s: %w", scope, err)
	}
	if len(fields) == 0 {
		return quota.Record{}, nil
	}

	used, err := strconv.Atoi(fields["used"])
	if err != nil {
		return quota.Record{}, fmt.Errorf("corrupt quota counter for %s: %w", scope, err)
	}
	return quota.Record{Month: fields["month"], Used: used}, nil
}

func (r *RedisQuotaStore) Add(ctx context.Context, scope, month string, n int) (quota.Record, error) {
	used, err := addUsageScript.Run(ctx, r.client, []string{quotaKey(scope)},
		month, n, int64(quotaKeyTTL.Seconds())).Int()
	if err != nil {
		return quota.Record{}, fmt.Errorf("failed to add quota usage for %s: %w", scope, err)
	}
	return quota.Record{Month: month, Used: used}, nil
}

func (r *RedisQuotaStore) Save(ctx context.Context, scope string, rec quota.Record) error {
	key := quotaKey(scope)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "month", rec.Month, "used", rec.Used)
		pipe.Expire(ctx, key, quotaKeyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save quota %s: %w", scope, err)
	}
	return nil
}
