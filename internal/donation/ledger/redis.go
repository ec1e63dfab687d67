package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "alerted:request:"

// Redis keeps one set per request. Every Mark refreshes the TTL so a request
// that keeps receiving reminders keeps its history.
type Redis struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedis constructs the ledger. A zero ttl defaults to 24h.
func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, keyPrefix: prefix, ttl: ttl}
}

func (r *Redis) Mark(ctx context.Context, requestID string, donorIDs ...string) error {
	if len(donorIDs) == 0 {
		return nil
	}
	key := r.keyPrefix + requestID
	members := make([]interface{}, len(donorIDs))
	for i, id := range donorIDs {
		members[i] = id
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (r *Redis) Alerted(ctx context.Context, requestID string) (map[string]struct{}, error) {
	ids, err := r.client.SMembers(ctx, r.keyPrefix+requestID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
