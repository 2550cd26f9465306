package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "ratelimit:"
	redisMaxTxFailed = 5
)

// RedisLimiter keeps each sender's window in a sorted set scored by hit time
// in microseconds (exact in a float64 score), so every instance sharing the Redis server shares budgets.
type RedisLimiter struct {
	client *redis.Client
	limits LimitsFunc
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client *redis.Client, limits LimitsFunc) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client must not be nil")
	}
	if limits == nil {
		return nil, errors.New("ratelimit: limits func must not be nil")
	}
	return &RedisLimiter{client: client, limits: limits}, nil
}

// Admit implements Limiter using WATCH/MULTI/EXEC. A concurrent admission for
// the same sender aborts the transaction and the check is retried.
func (r *RedisLimiter) Admit(ctx context.Context, senderID string, now time.Time) (Decision, error) {
	l := r.limits()
	key := r.key(senderID)
	cutoff := strconv.FormatInt(now.Add(-l.Window).UnixMicro(), 10)

	var decision Decision
	txf := func(tx *redis.Tx) error {
		hits, err := tx.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
		if err != nil {
			return err
		}
		if l.Max <= 0 {
			decision = Decision{Allowed: false, RetryAfter: l.Window}
		} else if len(hits) >= l.Max {
			oldest := time.UnixMicro(int64(hits[0].Score))
			decision = Decision{Allowed: false, RetryAfter: retryAfter(oldest, l.Window, now)}
		} else {
			decision = Decision{Allowed: true}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			if decision.Allowed {
				pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member(now)})
			}
			pipe.PExpire(ctx, key, l.Window+time.Second)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxFailed; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return decision, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Decision{}, fmt.Errorf("ratelimit: redis admit %q: %w", senderID, err)
	}
	return Decision{}, fmt.Errorf("ratelimit: redis admit %q: too much contention", senderID)
}

// Close closes the underlying client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func (r *RedisLimiter) key(senderID string) string {
	return redisKeyPrefix + senderID
}

func member(now time.Time) string {
	return strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
}
