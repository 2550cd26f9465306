// Package repository persists senders, conversations, turns and audit
// entries. Every write is a single-row idempotent upsert or a conditional
// write keyed by the delivery id and the claim token of the attempt that owns
// the turn, so callers may retry freely.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"message-orchestrator/internal/domain"
)

var (
	// ErrConflict is returned when a turn already exists for a delivery id,
	// or when the turn is held by another claim.
	ErrConflict = errors.New("repository: turn conflict")
	// ErrNotFound is returned when an item to update does not exist.
	ErrNotFound = errors.New("repository: not found")
)

// Store is the persistence contract shared by the DynamoDB and memory
// implementations.
type Store interface {
	GetOrCreateSender(ctx context.Context, s domain.Sender) (domain.Sender, error)
	GetOrCreateConversation(ctx context.Context, senderID string, now time.Time) (domain.Conversation, error)
	GetTurn(ctx context.Context, deliveryID string) (domain.Turn, bool, error)
	CreateTurn(ctx context.Context, t domain.Turn) error
	ClaimTurn(ctx context.Context, t domain.Turn, staleBefore time.Time) error
	FinishTurn(ctx context.Context, t domain.Turn) error
	UpdateDelivery(ctx context.Context, deliveryID string, status domain.DeliveryStatus, outcome domain.Outcome) error
	LoadContext(ctx context.Context, conversationID string, limit int) ([]domain.ContextTurn, error)
	WriteAudit(ctx context.Context, e domain.AuditEntry) error
}

var (
	_ Store = (*Client)(nil)
	_ Store = (*Memory)(nil)
)

var newID = func() string {
	return uuid.NewString()
}
