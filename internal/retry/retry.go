// Package retry classifies upstream errors and retries operations according
// to a per-class policy table.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Class int

const (
	ClassTimeout Class = iota + 1
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// Classify assigns err to a retry class. Explicit marks win, then deadline
// and network timeouts, then upstream HTTP status codes. Anything else is
// permanent.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassTransient
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		switch {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
			return ClassTransient
		case code >= 400:
			return ClassPermanent
		}
	}
	return ClassPermanent
}

// Rule bounds the attempts for one error class. The delay before attempt n+1
// is BaseDelay*2^(n-1), capped at MaxDelay.
type Rule struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (r Rule) delay(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 1; i < attempt && d < r.MaxDelay; i++ {
		d *= 2
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// DefaultRules is the policy table used when configuration supplies none.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassTimeout:   {MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		ClassTransient: {MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		ClassPermanent: {MaxAttempts: 1},
	}
}

type Policy struct {
	rules  map[Class]Rule
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

type Option func(*Policy)

// WithSleep replaces the backoff wait, typically with a no-op in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a policy. Classes missing from rules fall back to DefaultRules.
func New(rules map[Class]Rule, opts ...Option) *Policy {
	merged := DefaultRules()
	for c, r := range rules {
		if r.MaxAttempts < 1 {
			r.MaxAttempts = 1
		}
		merged[c] = r
	}
	p := &Policy{rules: merged, sleep: sleepContext, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rule returns the rule applied to class c.
func (p *Policy) Rule(c Class) Rule {
	return p.rules[c]
}

// Do calls fn until it succeeds, the rule for the latest error's class is
// exhausted, or ctx ends. The returned error wraps the last failure.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		class := Classify(err)
		rule := p.rules[class]
		if attempt >= rule.MaxAttempts {
			return fmt.Errorf("retry: %s: giving up after %d attempts: %w", op, attempt, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry: %s: attempt %d: %w", op, attempt, err)
		}
		wait := rule.delay(attempt)
		p.logger.Warn("upstream call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Stringer("class", class),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("retry: %s: attempt %d: %w", op, attempt, errors.Join(err, sleepErr))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
