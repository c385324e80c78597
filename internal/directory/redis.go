package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each room as a sorted set scored by first join time and
// each membership as a key that expires after the TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, clk clock.Clock) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, clock: clk}
}

func (r *RedisStore) roomKey(room string) string {
	return r.prefix + room
}

func (r *RedisStore) memberKey(room, peerID string) string {
	return r.prefix + room + ":peer:" + peerID
}

func (r *RedisStore) Join(ctx context.Context, room, peerID string) error {
	score := float64(r.clock.Now().UnixNano())
	pipe := r.client.TxPipeline()
	pipe.ZAddNX(ctx, r.roomKey(room), redis.Z{Score: score, Member: peerID})
	pipe.Set(ctx, r.memberKey(room, peerID), "1", r.ttl)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.roomKey(room), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis join %s: %w", room, err)
	}
	return nil
}

func (r *RedisStore) Peers(ctx context.Context, room string) ([]string, error) {
	members, err := r.client.ZRange(ctx, r.roomKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis peers %s: %w", room, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, id := range members {
		checks[i] = pipe.Exists(ctx, r.memberKey(room, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis peers %s: %w", room, err)
	}

	peers := make([]string, 0, len(members))
	var stale []any
	for i, id := range members {
		if checks[i].Val() > 0 {
			peers = append(peers, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.roomKey(room), stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune %s: %w", room, err)
		}
	}
	return peers, nil
}

func (r *RedisStore) Leave(ctx context.Context, room, peerID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.roomKey(room), peerID)
	pipe.Del(ctx, r.memberKey(room, peerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis leave %s: %w", room, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
