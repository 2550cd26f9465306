package domain

import (
	"fmt"
	"time"
)

type OutcomeKind string

const (
	OutcomeSent         OutcomeKind = "sent"
	OutcomeRateLimited  OutcomeKind = "rate_limited"
	OutcomeNotPermitted OutcomeKind = "not_permitted"
	OutcomeUnsupported  OutcomeKind = "unsupported"
	OutcomeFailed       OutcomeKind = "failed"
)

// Outcome is the result of handling one inbound delivery. Only the fields
// relevant to Kind are set.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	RetryAfter time.Duration
	Reason     string
}

func Sent(text string) Outcome { return Outcome{Kind: OutcomeSent, Text: text} }

func RateLimited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfter}
}

func NotPermitted() Outcome { return Outcome{Kind: OutcomeNotPermitted} }

func Unsupported() Outcome { return Outcome{Kind: OutcomeUnsupported} }

func Failed(reason string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSent:
		return fmt.Sprintf("sent(%q)", o.Text)
	case OutcomeRateLimited:
		return fmt.Sprintf("rate_limited(%s)", o.RetryAfter)
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s)", o.Reason)
	default:
		return string(o.Kind)
	}
}

// Failure reasons carried by Failed outcomes.
const (
	ReasonTimeout             = "timeout"
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonUpstreamRejected    = "upstream_rejected"
	ReasonContentFlagged      = "content_flagged"
	ReasonMediaInvalid        = "media_invalid"
	ReasonExtractionFailed    = "extraction_failed"
	ReasonPersistence         = "persistence_error"
	ReasonDeliveryFailed      = "delivery_failed"
	ReasonInProgress          = "in_progress"
)
