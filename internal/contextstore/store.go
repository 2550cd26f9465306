// Package contextstore keeps the bounded window of recently completed turns
// for each conversation. Persisted turns are the source of truth: every read
// reloads them from the Loader, so turns completed by other instances are
// seen. Turns appended here are kept until the Loader returns them, which
// covers eventually consistent reads. The cached window is served when a
// reload fails.
package contextstore

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"message-orchestrator/internal/domain"
)

const (
	defaultCapacity         = 20
	defaultMaxConversations = 1000
)

// Loader returns up to limit completed turns for a conversation, oldest first.
type Loader interface {
	LoadContext(ctx context.Context, conversationID string, limit int) ([]domain.ContextTurn, error)
}

type Store struct {
	loader           Loader
	capacity         int
	maxConversations int
	logger           *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // least recently used at the front
}

type window struct {
	id      string
	mu      sync.Mutex
	loaded  bool
	evicted bool // guarded by Store.mu
	turns   []domain.ContextTurn
	// unsynced holds appended turns the Loader has not returned yet.
	unsynced []domain.ContextTurn
}

// New creates a store that keeps at most capacity turns per conversation and
// at most maxConversations conversations in memory.
func New(loader Loader, capacity, maxConversations int, logger *zap.Logger) (*Store, error) {
	if loader == nil {
		return nil, errors.New("contextstore: loader must not be nil")
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if maxConversations <= 0 {
		maxConversations = defaultMaxConversations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		loader:           loader,
		capacity:         capacity,
		maxConversations: maxConversations,
		logger:           logger,
		entries:          make(map[string]*list.Element),
		order:            list.New(),
	}, nil
}

// Get returns the most recent maxTurns completed turns, oldest first, as
// alternating user and assistant messages. The result is a copy.
func (s *Store) Get(ctx context.Context, conversationID string, maxTurns int) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("contextstore: conversation id must not be empty")
	}
	if maxTurns <= 0 {
		return nil, nil
	}
	if maxTurns > s.capacity {
		maxTurns = s.capacity
	}

	w := s.acquire(conversationID)
	defer w.mu.Unlock()

	if err := s.reload(ctx, w); err != nil {
		if !w.loaded {
			return nil, err
		}
		s.logger.Warn("context reload failed, serving cached window",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	turns := w.turns
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]domain.ChatMessage, 0, 2*len(turns))
	for _, t := range turns {
		out = append(out, t.Messages()...)
	}
	return out, nil
}

// Append adds a completed turn and evicts the oldest beyond capacity.
// Appending a turn whose delivery id is already in the window is a no-op.
func (s *Store) Append(_ context.Context, conversationID string, turn domain.ContextTurn) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("contextstore: conversation id must not be empty")
	}
	if turn.Input == "" || turn.Response == "" {
		return errors.New("contextstore: turn must have input and response")
	}

	w := s.acquire(conversationID)
	defer w.mu.Unlock()

	if turn.DeliveryID != "" {
		if contains(w.turns, turn.DeliveryID) {
			return nil
		}
		w.unsynced = s.trim(append(w.unsynced, turn))
	}
	w.turns = s.trim(append(w.turns, turn))
	return nil
}

// Len reports the number of conversations held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// acquire returns the conversation's window locked. The caller must unlock it.
func (s *Store) acquire(conversationID string) *window {
	for {
		w := s.lookup(conversationID)
		w.mu.Lock()

		s.mu.Lock()
		evicted := w.evicted
		s.mu.Unlock()
		if !evicted {
			return w
		}
		w.mu.Unlock()
	}
}

// reload replaces the window with the persisted turns followed by the
// appended turns the Loader did not return. Must be called with w.mu held.
func (s *Store) reload(ctx context.Context, w *window) error {
	loaded, err := s.loader.LoadContext(ctx, w.id, s.capacity)
	if err != nil {
		return fmt.Errorf("contextstore: load %s: %w", w.id, err)
	}
	turns := append([]domain.ContextTurn(nil), loaded...)
	var pending []domain.ContextTurn
	for _, t := range w.unsynced {
		if contains(loaded, t.DeliveryID) {
			continue
		}
		pending = append(pending, t)
		turns = append(turns, t)
	}
	w.turns = s.trim(turns)
	w.unsynced = pending
	w.loaded = true
	s.logger.Debug("context reloaded",
		zap.String("conversation_id", w.id),
		zap.Int("persisted", len(loaded)),
		zap.Int("unsynced", len(pending)),
	)
	return nil
}

// trim keeps the newest capacity turns.
func (s *Store) trim(turns []domain.ContextTurn) []domain.ContextTurn {
	if over := len(turns) - s.capacity; over > 0 {
		return append([]domain.ContextTurn(nil), turns[over:]...)
	}
	return turns
}

func contains(turns []domain.ContextTurn, deliveryID string) bool {
	for _, t := range turns {
		if t.DeliveryID == deliveryID {
			return true
		}
	}
	return false
}

func (s *Store) lookup(conversationID string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[conversationID]; ok {
		s.order.MoveToBack(elem)
		return elem.Value.(*window)
	}
	if len(s.entries) >= s.maxConversations {
		s.evictOldest()
	}
	w := &window{id: conversationID}
	s.entries[conversationID] = s.order.PushBack(w)
	return w
}

// evictOldest drops the least recently used conversation. Must be called
// with mu held.
func (s *Store) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	w := front.Value.(*window)
	w.evicted = true
	s.order.Remove(front)
	delete(s.entries, w.id)
}
