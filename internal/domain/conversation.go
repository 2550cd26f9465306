package domain

import "time"

// Sender is the external identity that originates messages.
type Sender struct {
	ID                   string
	DisplayName          string
	AllowListed          bool
	Active               bool
	ActiveConversationID string
	CreatedAt            time.Time
}

// Conversation is the logical thread of turns for one sender.
type Conversation struct {
	ID        string
	SenderID  string
	Active    bool
	CreatedAt time.Time
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	// TurnRejected marks an audit stub for a policy rejection; it carries no content.
	TurnRejected TurnStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed || s == TurnRejected
}

type DeliveryStatus string

const (
	DeliveryNone    DeliveryStatus = ""
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Turn is one inbound message and its processing result, keyed by the
// upstream delivery id.
type Turn struct {
	DeliveryID       string
	ConversationID   string
	SenderID         string
	Direction        Direction
	Kind             ContentKind
	Content          string
	MediaLocator     string
	MediaContentType string
	Response         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Status           TurnStatus
	Processed        bool
	ErrorMessage     string
	Outcome          Outcome
	DeliveryStatus   DeliveryStatus
	CreatedAt        time.Time
	ProcessedAt      time.Time

	// ClaimToken identifies the attempt that owns a pending turn. Only the
	// owner may finish it.
	ClaimToken string
	ClaimedAt  time.Time
}

// ClaimExpired reports whether t is pending under a claim taken at or before
// staleBefore. Turns without a claim time fall back to CreatedAt.
func (t Turn) ClaimExpired(staleBefore time.Time) bool {
	if t.Status != TurnPending {
		return false
	}
	at := t.ClaimedAt
	if at.IsZero() {
		at = t.CreatedAt
	}
	return !at.After(staleBefore)
}

// ContextTurn returns the turn as a context window entry. ok is false for
// turns that did not complete with a model response.
func (t Turn) ContextTurn() (ContextTurn, bool) {
	if t.Status != TurnCompleted || t.Kind == KindUnsupported || t.Content == "" || t.Response == "" {
		return ContextTurn{}, false
	}
	return ContextTurn{DeliveryID: t.DeliveryID, Input: t.Content, Response: t.Response}, true
}

// AuditEntry records a failure that could not be stored on its Turn.
type AuditEntry struct {
	ID         string
	DeliveryID string
	SenderID   string
	Action     string
	Detail     string
	CreatedAt  time.Time
}
