package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryLimiter keeps sliding windows in process memory. Counters are lost on
// restart; that resets every sender's budget and is accepted.
type MemoryLimiter struct {
	limits LimitsFunc
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string]*window
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

type window struct {
	mu   sync.Mutex
	hits []time.Time // ascending
	dead bool        // removed from the registry by Sweep
}

// NewMemory creates a limiter and starts a janitor that drops idle windows
// every sweepInterval. A non-positive interval disables the janitor.
func NewMemory(limits LimitsFunc, sweepInterval time.Duration, logger *zap.Logger) (*MemoryLimiter, error) {
	if limits == nil {
		return nil, errors.New("ratelimit: limits func must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MemoryLimiter{
		limits:  limits,
		logger:  logger,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.janitor(sweepInterval)
	} else {
		close(m.stopped)
	}
	return m, nil
}

// Admit implements Limiter. Admissions for one sender are serialized by that
// sender's window lock; different senders only share the registry lookup.
func (m *MemoryLimiter) Admit(_ context.Context, senderID string, now time.Time) (Decision, error) {
	l := m.limits()
	for {
		w, err := m.window(senderID)
		if err != nil {
			return Decision{}, err
		}
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		d := w.admit(l, now)
		w.mu.Unlock()
		return d, nil
	}
}

func (m *MemoryLimiter) window(senderID string) (*window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("ratelimit: limiter closed")
	}
	w, ok := m.windows[senderID]
	if !ok {
		w = &window{}
		m.windows[senderID] = w
	}
	return w, nil
}

func (w *window) admit(l Limits, now time.Time) Decision {
	cutoff := now.Add(-l.Window)
	drop := 0
	for drop < len(w.hits) && w.hits[drop].Before(cutoff) {
		drop++
	}
	w.hits = w.hits[drop:]

	if l.Max <= 0 {
		return Decision{Allowed: false, RetryAfter: l.Window}
	}
	if len(w.hits) >= l.Max {
		return Decision{Allowed: false, RetryAfter: retryAfter(w.hits[0], l.Window, now)}
	}

	// Callers may observe slightly out-of-order clocks; keep hits sorted.
	i := sort.Search(len(w.hits), func(i int) bool { return w.hits[i].After(now) })
	w.hits = append(w.hits, time.Time{})
	copy(w.hits[i+1:], w.hits[i:])
	w.hits[i] = now
	return Decision{Allowed: true}
}

// Sweep drops windows whose newest hit has left the window.
func (m *MemoryLimiter) Sweep(now time.Time) int {
	l := m.limits()
	cutoff := now.Add(-l.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, w := range m.windows {
		w.mu.Lock()
		if len(w.hits) == 0 || w.hits[len(w.hits)-1].Before(cutoff) {
			w.dead = true
			delete(m.windows, id)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked senders.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

func (m *MemoryLimiter) janitor(interval time.Duration) {
	defer close(m.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(time.Now()); n > 0 {
				m.logger.Debug("rate windows swept", zap.Int("removed", n))
			}
		case <-m.done:
			return
		}
	}
}

// Close stops the janitor and releases all windows. Safe to call twice.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.windows = nil
	close(m.done)
	m.mu.Unlock()
	<-m.stopped
	return nil
}
