// Package ratelimit admits or rejects requests per sender using a sliding
// time window.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limits is the admission budget: at most Max requests within any Window.
type Limits struct {
	Max    int
	Window time.Duration
}

// LimitsFunc returns the limits in force for the current call. It is consulted
// on every admission so policy refreshes apply without restarting.
type LimitsFunc func() Limits

// Static returns a LimitsFunc that always reports l.
func Static(l Limits) LimitsFunc {
	return func() Limits { return l }
}

// Limiter is the admission contract consumed by the orchestrator.
type Limiter interface {
	Admit(ctx context.Context, senderID string, now time.Time) (Decision, error)
	Close() error
}

// retryAfter is the wait until oldest leaves the window. A hit stays inside
// the window through oldest+window inclusive, hence the extra nanosecond.
func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := oldest.Add(window).Sub(now) + time.Nanosecond
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
