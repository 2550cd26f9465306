package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"message-orchestrator/internal/domain"
)

// Memory is an in-process Store with the same conditional semantics as
// Client. It backs local runs and tests.
type Memory struct {
	mu            sync.Mutex
	senders       map[string]domain.Sender
	conversations map[string]domain.Conversation
	turns         map[string]domain.Turn
	history       map[string][]historyEntry
	audit         []domain.AuditEntry
}

type historyEntry struct {
	sortKey string
	turn    domain.ContextTurn
}

func NewMemory() *Memory {
	return &Memory{
		senders:       make(map[string]domain.Sender),
		conversations: make(map[string]domain.Conversation),
		turns:         make(map[string]domain.Turn),
		history:       make(map[string][]historyEntry),
	}
}

func (m *Memory) GetOrCreateSender(_ context.Context, s domain.Sender) (domain.Sender, error) {
	if strings.TrimSpace(s.ID) == "" {
		return domain.Sender{}, errors.New("repository: GetOrCreateSender: sender id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.senders[s.ID]; ok {
		return existing, nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Active = true
	s.ActiveConversationID = ""
	m.senders[s.ID] = s
	return s, nil
}

func (m *Memory) GetOrCreateConversation(_ context.Context, senderID string, now time.Time) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[senderID]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation: sender %s: %w", senderID, ErrNotFound)
	}
	if s.ActiveConversationID != "" {
		return m.conversations[s.ActiveConversationID], nil
	}
	conv := domain.Conversation{ID: newID(), SenderID: senderID, Active: true, CreatedAt: now}
	m.conversations[conv.ID] = conv
	s.ActiveConversationID = conv.ID
	m.senders[senderID] = s
	return conv, nil
}

func (m *Memory) GetTurn(_ context.Context, deliveryID string) (domain.Turn, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[deliveryID]
	return t, ok, nil
}

func (m *Memory) CreateTurn(_ context.Context, t domain.Turn) error {
	if t.DeliveryID == "" {
		return errors.New("repository: CreateTurn: delivery id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.turns[t.DeliveryID]; ok {
		return ErrConflict
	}
	m.turns[t.DeliveryID] = t
	return nil
}

// ClaimTurn takes over a pending turn whose claim expired. Repeating a claim
// with the same token succeeds.
func (m *Memory) ClaimTurn(_ context.Context, t domain.Turn, staleBefore time.Time) error {
	if t.DeliveryID == "" || t.ClaimToken == "" {
		return errors.New("repository: ClaimTurn: delivery id and claim token are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.turns[t.DeliveryID]
	if !ok {
		return fmt.Errorf("repository: ClaimTurn %s: %w", t.DeliveryID, ErrNotFound)
	}
	if existing.ClaimToken != t.ClaimToken && !existing.ClaimExpired(staleBefore) {
		return fmt.Errorf("repository: ClaimTurn %s: %w", t.DeliveryID, ErrConflict)
	}
	m.turns[t.DeliveryID] = t
	return nil
}

func (m *Memory) FinishTurn(_ context.Context, t domain.Turn) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("repository: FinishTurn: status %q is not terminal", t.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.turns[t.DeliveryID]
	if !ok || (existing.Status != domain.TurnPending && existing.Status != t.Status) ||
		(t.ClaimToken != "" && existing.ClaimToken != t.ClaimToken) {
		return fmt.Errorf("repository: FinishTurn %s: %w", t.DeliveryID, ErrConflict)
	}
	m.turns[t.DeliveryID] = t

	ct, ok := t.ContextTurn()
	if !ok || t.ConversationID == "" {
		return nil
	}
	sk := msgSK(t.CreatedAt, t.DeliveryID)
	entries := m.history[t.ConversationID]
	for i := range entries {
		if entries[i].sortKey == sk {
			entries[i].turn = ct
			return nil
		}
	}
	entries = append(entries, historyEntry{sortKey: sk, turn: ct})
	sort.Slice(entries, func(i, j int) bool { return entries[i].sortKey < entries[j].sortKey })
	m.history[t.ConversationID] = entries
	return nil
}

func (m *Memory) UpdateDelivery(_ context.Context, deliveryID string, status domain.DeliveryStatus, outcome domain.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[deliveryID]
	if !ok {
		return fmt.Errorf("repository: UpdateDelivery %s: %w", deliveryID, ErrNotFound)
	}
	t.DeliveryStatus = status
	t.Outcome = outcome
	m.turns[deliveryID] = t
	return nil
}

func (m *Memory) LoadContext(_ context.Context, conversationID string, limit int) ([]domain.ContextTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[conversationID]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]domain.ContextTurn, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.turn)
	}
	return out, nil
}

func (m *Memory) WriteAudit(_ context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// Turns returns every stored turn ordered by creation time.
func (m *Memory) Turns() []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Turn, 0, len(m.turns))
	for _, t := range m.turns {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.audit...)
}
