package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, max int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	l, err := NewRedis(client, Static(Limits{Max: max, Window: window}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, srv
}

func TestNewRedis_ValidatesDependencies(t *testing.T) {
	_, err := NewRedis(nil, Static(Limits{Max: 1, Window: time.Minute}))
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	_, err = NewRedis(client, nil)
	require.Error(t, err)
}

func TestRedisAdmit_UnreachableServerReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	l, err := NewRedis(client, Static(Limits{Max: 1, Window: time.Minute}))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Admit(context.Background(), "+15550000001", t0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis admit")
}

func TestRedisAdmit_AllowsUpToLimitThenDenies(t *testing.T) {
	l, srv := newRedisLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, "+15550000001", t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, d.Allowed, "admit %d", i)
	}
	d, err := l.Admit(ctx, "+15550000001", t0.Add(10*time.Second))
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 50*time.Second+time.Nanosecond, d.RetryAfter)

	other, err := l.Admit(ctx, "+15550000002", t0.Add(10*time.Second))
	require.NoError(t, err)
	require.True(t, other.Allowed, "budgets are per sender")

	members, err := srv.ZMembers("ratelimit:+15550000001")
	require.NoError(t, err)
	require.Len(t, members, 3, "denied attempts are not recorded")
	require.Greater(t, srv.TTL("ratelimit:+15550000001"), time.Minute)
}

func TestRedisAdmit_HitAtCutoffStillCounts(t *testing.T) {
	l, _ := newRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	d, err := l.Admit(ctx, "s", t0)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Admit(ctx, "s", t0.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, time.Nanosecond, d.RetryAfter)

	d, err = l.Admit(ctx, "s", t0.Add(time.Minute+time.Microsecond))
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisAdmit_PrunesExpiredHits(t *testing.T) {
	l, srv := newRedisLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Admit(ctx, "s", t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	_, err := l.Admit(ctx, "s", t0.Add(3*time.Minute))
	require.NoError(t, err)

	members, err := srv.ZMembers("ratelimit:s")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestRedisAdmit_ZeroMaxDeniesEveryone(t *testing.T) {
	l, _ := newRedisLimiter(t, 0, time.Minute)
	d, err := l.Admit(context.Background(), "s", t0)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, time.Minute, d.RetryAfter)
}

func TestRedisAdmit_RollingWindowProperty(t *testing.T) {
	const (
		limit  = 5
		window = 10 * time.Second
	)
	l, _ := newRedisLimiter(t, limit, window)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 10; round++ {
		sender := fmt.Sprintf("s-%d", round)
		now := t0
		var admitted []time.Time
		for i := 0; i < 200; i++ {
			now = now.Add(time.Duration(rng.Int63n(int64(3 * time.Second))))
			d, err := l.Admit(context.Background(), sender, now)
			require.NoError(t, err)
			if d.Allowed {
				admitted = append(admitted, now)
			} else {
				require.Greater(t, d.RetryAfter, time.Duration(0))
			}
		}
		for _, end := range admitted {
			n := 0
			for _, at := range admitted {
				if !at.Before(end.Add(-window)) && !at.After(end) {
					n++
				}
			}
			require.LessOrEqual(t, n, limit, "round %d window ending %s", round, end)
		}
	}
}

func TestRedisAdmit_ConcurrentSameSenderNeverOverAdmits(t *testing.T) {
	l, _ := newRedisLimiter(t, 10, time.Minute)
	ctx := context.Background()

	var allowed, contended atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(ctx, "same", t0)
			switch {
			case err != nil:
				contended.Add(1)
			case d.Allowed:
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, allowed.Load(), int64(10))
	t.Logf("allowed %d, gave up after contention %d", allowed.Load(), contended.Load())

	// Sequential admits fill the remaining budget exactly.
	total := allowed.Load()
	for {
		d, err := l.Admit(ctx, "same", t0)
		require.NoError(t, err)
		if !d.Allowed {
			break
		}
		total++
		require.LessOrEqual(t, total, int64(10))
	}
	require.Equal(t, int64(10), total)
}

func TestRedisKeyAndMember(t *testing.T) {
	l := &RedisLimiter{}
	require.Equal(t, "ratelimit:+15550000001", l.key("+15550000001"))
	require.NotEqual(t, member(t0), member(t0))
}

func TestRetryAfter_IsAlwaysPositive(t *testing.T) {
	require.Equal(t, time.Nanosecond, retryAfter(t0, time.Minute, t0.Add(time.Hour)))
	require.Equal(t, time.Minute+time.Nanosecond, retryAfter(t0, time.Minute, t0))
}
