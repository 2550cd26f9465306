package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "deadline", err: fmt.Errorf("openai: Complete: %w", context.DeadlineExceeded), want: ClassTimeout},
		{name: "canceled", err: context.Canceled, want: ClassPermanent},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutErr{}}, want: ClassTimeout},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: ClassTransient},
		{name: "429", err: statusErr(429), want: ClassTransient},
		{name: "408", err: statusErr(408), want: ClassTransient},
		{name: "503", err: fmt.Errorf("wrapped: %w", statusErr(503)), want: ClassTransient},
		{name: "400", err: statusErr(400), want: ClassPermanent},
		{name: "explicit permanent beats deadline", err: Permanent(context.DeadlineExceeded), want: ClassPermanent},
		{name: "explicit transient", err: Transient(errors.New("flaky")), want: ClassTransient},
		{name: "unknown", err: errors.New("boom"), want: ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func noSleep(delays *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	})
}

func TestDo_RetriesTimeoutsThenGivesUp(t *testing.T) {
	var delays []time.Duration
	p := New(nil, noSleep(&delays), WithLogger(zaptest.NewLogger(t)))

	calls := 0
	err := p.Do(context.Background(), "complete", func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})

	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, delays)
	require.Equal(t, ClassTimeout, Classify(err))
}

func TestDo_PermanentFailsImmediately(t *testing.T) {
	p := New(nil, noSleep(nil))
	calls := 0
	err := p.Do(context.Background(), "complete", func(context.Context) error {
		calls++
		return statusErr(400)
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	p := New(nil, noSleep(nil))
	calls := 0
	err := p.Do(context.Background(), "send", func(context.Context) error {
		calls++
		if calls < 2 {
			return statusErr(503)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(nil, noSleep(nil))
	calls := 0
	err := p.Do(ctx, "fetch", func(context.Context) error {
		calls++
		cancel()
		return statusErr(503)
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDo_ConfiguredRulesOverrideDefaults(t *testing.T) {
	p := New(map[Class]Rule{ClassTransient: {MaxAttempts: 5}}, noSleep(nil))
	require.Equal(t, 5, p.Rule(ClassTransient).MaxAttempts)
	require.Equal(t, 3, p.Rule(ClassTimeout).MaxAttempts)

	calls := 0
	_ = p.Do(context.Background(), "send", func(context.Context) error {
		calls++
		return Transient(errors.New("flaky"))
	})
	require.Equal(t, 5, calls)
}

func TestRuleDelay_CapsAtMax(t *testing.T) {
	r := Rule{MaxAttempts: 10, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	require.Equal(t, 200*time.Millisecond, r.delay(1))
	require.Equal(t, 1600*time.Millisecond, r.delay(4))
	require.Equal(t, 2*time.Second, r.delay(5))
	require.Equal(t, 2*time.Second, r.delay(9))
}

func TestSleepContext_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
