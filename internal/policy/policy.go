// Package policy holds the runtime policy snapshot: who may use the
// assistant, how fast, and with how much context. The snapshot is replaced
// atomically when refreshed from SSM Parameter Store, so readers never see a
// partially applied update.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"message-orchestrator/internal/access"
	"message-orchestrator/internal/ratelimit"
)

type Snapshot struct {
	AllowList       []string
	AllowAll        bool
	RateMax         int
	RateWindow      time.Duration
	MaxContextTurns int
	SystemPrompt    string
	LoadedAt        time.Time
}

func (s Snapshot) clone() Snapshot {
	s.AllowList = append([]string(nil), s.AllowList...)
	return s
}

// ParamsGetter fetches several parameters at once. Missing names are absent
// from the result.
type ParamsGetter interface {
	GetParameters(ctx context.Context, names []string) (map[string]string, error)
}

const (
	paramAllowList     = "/allow_list"
	paramAllowAll      = "/allow_all"
	paramRateMax       = "/rate_limit/max_messages"
	paramRateWindow    = "/rate_limit/window"
	paramMaxContext    = "/context/max_turns"
	paramSystemPrompt  = "/system_prompt"
	defaultRefreshTick = 5 * time.Minute
)

// Source serves the current snapshot. Without a getter it serves the base
// snapshot forever.
type Source struct {
	base   Snapshot
	getter ParamsGetter
	prefix string
	logger *zap.Logger
	now    func() time.Time

	current atomic.Pointer[Snapshot]
}

func New(base Snapshot, getter ParamsGetter, paramPrefix string, logger *zap.Logger) (*Source, error) {
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if getter != nil && paramPrefix == "" {
		return nil, errors.New("policy: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base.AllowList = normalizeList(base.AllowList)
	s := &Source{
		base:   base.clone(),
		getter: getter,
		prefix: paramPrefix,
		logger: logger,
		now:    time.Now,
	}
	initial := base.clone()
	s.current.Store(&initial)
	return s, nil
}

// Current returns a copy of the snapshot in force.
func (s *Source) Current() Snapshot {
	return s.current.Load().clone()
}

func (s *Source) AccessSnapshot() access.Snapshot {
	cur := s.current.Load()
	return access.Snapshot{AllowList: cur.AllowList, AllowAll: cur.AllowAll}
}

func (s *Source) Limits() ratelimit.Limits {
	cur := s.current.Load()
	return ratelimit.Limits{Max: cur.RateMax, Window: cur.RateWindow}
}

func (s *Source) names() []string {
	return []string{
		s.prefix + paramAllowList,
		s.prefix + paramAllowAll,
		s.prefix + paramRateMax,
		s.prefix + paramRateWindow,
		s.prefix + paramMaxContext,
		s.prefix + paramSystemPrompt,
	}
}

// Refresh loads the parameters and swaps in a new snapshot. Parameters that
// do not exist keep their base value. A malformed value fails the whole
// refresh and the previous snapshot stays in force.
func (s *Source) Refresh(ctx context.Context) error {
	if s.getter == nil {
		return nil
	}
	values, err := s.getter.GetParameters(ctx, s.names())
	if err != nil {
		return fmt.Errorf("policy: Refresh: %w", err)
	}
	next, err := s.apply(values)
	if err != nil {
		return fmt.Errorf("policy: Refresh: %w", err)
	}
	next.LoadedAt = s.now()
	s.current.Store(&next)
	s.logger.Info("policy refreshed",
		zap.Int("allow_list_size", len(next.AllowList)),
		zap.Bool("allow_all", next.AllowAll),
		zap.Int("rate_max", next.RateMax),
		zap.Duration("rate_window", next.RateWindow),
		zap.Int("max_context_turns", next.MaxContextTurns),
	)
	return nil
}

func (s *Source) apply(values map[string]string) (Snapshot, error) {
	next := s.base.clone()
	if v, ok := values[s.prefix+paramAllowList]; ok {
		next.AllowList = access.ParseList(v)
	}
	if v, ok := values[s.prefix+paramAllowAll]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Snapshot{}, fmt.Errorf("allow_all %q: %w", v, err)
		}
		next.AllowAll = b
	}
	if v, ok := values[s.prefix+paramRateMax]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return Snapshot{}, fmt.Errorf("rate_limit max_messages %q is not a non-negative integer", v)
		}
		next.RateMax = n
	}
	if v, ok := values[s.prefix+paramRateWindow]; ok {
		d, err := parseWindow(v)
		if err != nil {
			return Snapshot{}, err
		}
		next.RateWindow = d
	}
	if v, ok := values[s.prefix+paramMaxContext]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return Snapshot{}, fmt.Errorf("context max_turns %q is not a non-negative integer", v)
		}
		next.MaxContextTurns = n
	}
	if v, ok := values[s.prefix+paramSystemPrompt]; ok && strings.TrimSpace(v) != "" {
		next.SystemPrompt = strings.TrimSpace(v)
	}
	return next, nil
}

// parseWindow accepts a Go duration ("90s") or a bare number of seconds ("60").
func parseWindow(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("rate_limit window %q is not a positive duration", v)
	}
	return d, nil
}

// Run refreshes the snapshot every interval until ctx is done. Failures are
// logged and the previous snapshot is kept.
func (s *Source) Run(ctx context.Context, interval time.Duration) {
	if s.getter == nil {
		return
	}
	if interval <= 0 {
		interval = defaultRefreshTick
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("policy refresh failed", zap.Error(err))
			}
		}
	}
}

func normalizeList(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := access.NormalizeSenderID(id); n != "" {
			out = append(out, n)
		}
	}
	return out
}
