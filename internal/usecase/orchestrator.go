// Package usecase turns one inbound delivery into exactly one outcome: a
// reply sent, a policy rejection, or a durably recorded failure.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"message-orchestrator/internal/access"
	"message-orchestrator/internal/classifier"
	"message-orchestrator/internal/dispatch"
	"message-orchestrator/internal/domain"
	"message-orchestrator/internal/policy"
	"message-orchestrator/internal/ratelimit"
	"message-orchestrator/internal/repository"
	"message-orchestrator/internal/retry"
)

const (
	defaultPipelineTimeout = 50 * time.Second
	defaultSendTimeout     = 10 * time.Second
	defaultPersistTimeout  = 5 * time.Second
)

var newClaimToken = uuid.NewString

type Store interface {
	GetOrCreateSender(ctx context.Context, s domain.Sender) (domain.Sender, error)
	GetOrCreateConversation(ctx context.Context, senderID string, now time.Time) (domain.Conversation, error)
	GetTurn(ctx context.Context, deliveryID string) (domain.Turn, bool, error)
	CreateTurn(ctx context.Context, t domain.Turn) error
	ClaimTurn(ctx context.Context, t domain.Turn, staleBefore time.Time) error
	FinishTurn(ctx context.Context, t domain.Turn) error
	UpdateDelivery(ctx context.Context, deliveryID string, status domain.DeliveryStatus, outcome domain.Outcome) error
	WriteAudit(ctx context.Context, e domain.AuditEntry) error
}

type Gate interface {
	IsPermitted(senderID string) bool
}

type Limiter interface {
	Admit(ctx context.Context, senderID string, now time.Time) (ratelimit.Decision, error)
}

type ContextWindow interface {
	Get(ctx context.Context, conversationID string, maxTurns int) ([]domain.ChatMessage, error)
	Append(ctx context.Context, conversationID string, turn domain.ContextTurn) error
}

type Dispatcher interface {
	Run(ctx context.Context, job dispatch.Job) dispatch.Result
}

// Replier delivers a text reply to a sender.
type Replier interface {
	Send(ctx context.Context, to, text string) error
}

type PolicySource interface {
	Current() policy.Snapshot
}

type Deps struct {
	Store      Store
	Gate       Gate
	Limiter    Limiter
	Contexts   ContextWindow
	Dispatcher Dispatcher
	Replier    Replier
	Policy     PolicySource
	Retry      *retry.Policy
}

// Config controls timeouts and the user-visible replies. An empty reply text
// sends nothing for that case.
//
// ClaimLease is how long a pending turn belongs to the attempt that created
// it. A redelivery arriving later takes the turn over. It defaults to the
// pipeline timeout plus two persistence timeouts.
type Config struct {
	PipelineTimeout  time.Duration
	SendTimeout      time.Duration
	PersistTimeout   time.Duration
	ClaimLease       time.Duration
	ReplyOnRejection bool
	NotPermittedText string
	RateLimitedText  string
	FallbackText     string
}

type Orchestrator struct {
	store      Store
	gate       Gate
	limiter    Limiter
	contexts   ContextWindow
	dispatcher Dispatcher
	replier    Replier
	policy     PolicySource
	retry      *retry.Policy
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	flight singleflight.Group
}

type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(deps Deps, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("usecase: store must not be nil")
	case deps.Gate == nil:
		return nil, errors.New("usecase: access gate must not be nil")
	case deps.Limiter == nil:
		return nil, errors.New("usecase: rate limiter must not be nil")
	case deps.Contexts == nil:
		return nil, errors.New("usecase: context store must not be nil")
	case deps.Dispatcher == nil:
		return nil, errors.New("usecase: dispatcher must not be nil")
	case deps.Replier == nil:
		return nil, errors.New("usecase: replier must not be nil")
	case deps.Policy == nil:
		return nil, errors.New("usecase: policy source must not be nil")
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = defaultPipelineTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = cfg.PipelineTimeout + 2*cfg.PersistTimeout
	}
	o := &Orchestrator{
		store:      deps.Store,
		gate:       deps.Gate,
		limiter:    deps.Limiter,
		contexts:   deps.Contexts,
		dispatcher: deps.Dispatcher,
		replier:    deps.Replier,
		policy:     deps.Policy,
		retry:      deps.Retry,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Handle processes one inbound delivery. A delivery id that was handled
// before returns the stored outcome without reprocessing or sending.
// Concurrent calls for the same delivery id share one execution.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.InboundMessage) (domain.Outcome, error) {
	msg.DeliveryID = strings.TrimSpace(msg.DeliveryID)
	msg.SenderID = access.NormalizeSenderID(msg.SenderID)
	if msg.DeliveryID == "" {
		return domain.Outcome{}, newError(ErrorInvalidInput, "missing_delivery_id", nil)
	}
	if msg.SenderID == "" {
		return domain.Outcome{}, newError(ErrorInvalidInput, "missing_sender_id", nil)
	}

	v, err, shared := o.flight.Do(msg.DeliveryID, func() (any, error) {
		return o.handle(ctx, msg)
	})
	if err != nil {
		return domain.Outcome{}, err
	}
	out, ok := v.(domain.Outcome)
	if !ok {
		return domain.Outcome{}, newError(ErrorInternal, "unexpected_result", fmt.Errorf("usecase: result type %T", v))
	}
	if shared {
		o.logger.Debug("duplicate delivery coalesced", zap.String("delivery_id", msg.DeliveryID))
	}
	return out, nil
}

func (o *Orchestrator) handle(ctx context.Context, msg domain.InboundMessage) (domain.Outcome, error) {
	log := o.logger.With(zap.String("delivery_id", msg.DeliveryID), zap.String("sender_id", msg.SenderID))
	now := o.now()

	existing, found, err := o.lookup(ctx, msg.DeliveryID)
	if err != nil {
		return o.persistenceFailure(ctx, log, msg, "get_turn", err), nil
	}
	if found {
		if !existing.ClaimExpired(o.staleBefore(now)) {
			out := storedOutcome(existing)
			log.Info("delivery replayed", zap.Stringer("outcome", out))
			return out, nil
		}
		return o.takeOver(ctx, log, msg, existing), nil
	}

	permitted := o.gate.IsPermitted(msg.SenderID)
	err = o.read(ctx, "get_or_create_sender", func(ctx context.Context) error {
		_, err := o.store.GetOrCreateSender(ctx, domain.Sender{
			ID:          msg.SenderID,
			DisplayName: strings.TrimSpace(msg.SenderName),
			AllowListed: permitted,
			Active:      true,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return o.persistenceFailure(ctx, log, msg, "get_or_create_sender", err), nil
	}

	if !permitted {
		log.Info("sender not permitted")
		return o.reject(ctx, log, msg, now, domain.NotPermitted(), o.cfg.NotPermittedText), nil
	}

	decision, err := o.limiter.Admit(ctx, msg.SenderID, now)
	if err != nil {
		log.Error("rate limiter unavailable", zap.Error(err))
		return domain.Outcome{}, newError(ErrorUnavailable, "rate_limiter_error", err)
	}
	if !decision.Allowed {
		log.Info("sender rate limited", zap.Duration("retry_after", decision.RetryAfter))
		return o.reject(ctx, log, msg, now, domain.RateLimited(decision.RetryAfter), o.cfg.RateLimitedText), nil
	}

	var conv domain.Conversation
	err = o.read(ctx, "get_or_create_conversation", func(ctx context.Context) error {
		var err error
		conv, err = o.store.GetOrCreateConversation(ctx, msg.SenderID, now)
		return err
	})
	if err != nil {
		return o.persistenceFailure(ctx, log, msg, "get_or_create_conversation", err), nil
	}
	log = log.With(zap.String("conversation_id", conv.ID))

	turn := domain.Turn{
		DeliveryID:       msg.DeliveryID,
		ConversationID:   conv.ID,
		SenderID:         msg.SenderID,
		Direction:        domain.DirectionInbound,
		Kind:             classifier.Classify(msg),
		Content:          strings.TrimSpace(msg.Text),
		MediaLocator:     msg.MediaLocator,
		MediaContentType: msg.MediaContentType,
		Status:           domain.TurnPending,
		DeliveryStatus:   domain.DeliveryNone,
		CreatedAt:        now,
	}
	turn, out, replayed, err := o.createTurn(ctx, log, turn)
	if err != nil {
		return o.persistenceFailure(ctx, log, msg, "create_turn", err), nil
	}
	if replayed {
		log.Info("delivery claimed concurrently", zap.Stringer("outcome", out))
		return out, nil
	}
	return o.process(ctx, log, msg, turn), nil
}

// takeOver claims a pending turn whose previous owner stopped before
// finishing it, then runs the pipeline again. The sender was admitted when
// the turn was created, so the gate and the limiter are not consulted.
func (o *Orchestrator) takeOver(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, existing domain.Turn) domain.Outcome {
	log = log.With(zap.String("conversation_id", existing.ConversationID))
	turn := existing
	turn.ClaimToken = newClaimToken()
	turn.ClaimedAt = o.now()
	err := o.write(ctx, "claim_turn", func(ctx context.Context) error {
		return o.store.ClaimTurn(ctx, turn, o.staleBefore(turn.ClaimedAt))
	})
	if errors.Is(err, repository.ErrConflict) {
		return o.current(ctx, log, turn.DeliveryID)
	}
	if err != nil {
		return o.persistenceFailure(ctx, log, msg, "claim_turn", err)
	}
	log.Warn("abandoned turn taken over", zap.Time("claimed_at", existing.ClaimedAt))
	return o.process(ctx, log, msg, turn)
}

// process runs the pipeline for a claimed turn and records its result.
func (o *Orchestrator) process(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, turn domain.Turn) domain.Outcome {
	snap := o.policy.Current()
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PipelineTimeout)
	history, err := o.contexts.Get(pctx, turn.ConversationID, snap.MaxContextTurns)
	if err != nil {
		log.Warn("context unavailable, continuing without history", zap.Error(err))
		history = nil
	}
	res := o.dispatcher.Run(pctx, dispatch.Job{
		DeliveryID:   msg.DeliveryID,
		Kind:         turn.Kind,
		Message:      msg,
		History:      history,
		SystemPrompt: buildSystemPrompt(snap.SystemPrompt, msg.SenderName),
	})
	cancel()

	if res.State == dispatch.StateCompleted {
		return o.complete(ctx, log, msg, turn, res)
	}
	return o.fail(ctx, log, msg, turn, res)
}

func (o *Orchestrator) staleBefore(now time.Time) time.Time {
	return now.Add(-o.cfg.ClaimLease)
}

func (o *Orchestrator) lookup(ctx context.Context, deliveryID string) (t domain.Turn, found bool, err error) {
	err = o.read(ctx, "get_turn", func(ctx context.Context) error {
		var err error
		t, found, err = o.store.GetTurn(ctx, deliveryID)
		return err
	})
	return t, found, err
}

// current reports the stored outcome of a turn another attempt owns.
func (o *Orchestrator) current(ctx context.Context, log *zap.Logger, deliveryID string) domain.Outcome {
	t, found, err := o.lookup(ctx, deliveryID)
	if err != nil || !found {
		log.Warn("turn owned by another attempt", zap.Error(err))
		return domain.Failed(domain.ReasonInProgress)
	}
	out := storedOutcome(t)
	log.Info("turn owned by another attempt", zap.Stringer("outcome", out))
	return out
}

// storedOutcome is the outcome a replay reports for t. A pending turn is
// still being processed by another caller.
func storedOutcome(t domain.Turn) domain.Outcome {
	if t.Status == domain.TurnPending {
		return domain.Failed(domain.ReasonInProgress)
	}
	if t.Outcome.Kind != "" {
		return t.Outcome
	}
	switch t.Status {
	case domain.TurnCompleted:
		if t.Kind == domain.KindUnsupported {
			return domain.Unsupported()
		}
		return domain.Sent(t.Response)
	default:
		return domain.Failed(domain.ReasonUpstreamRejected)
	}
}

// createTurn records t under a fresh claim and returns the claimed turn. A
// conflict with a turn carrying the same claim token means an earlier try of
// this write committed, which counts as success. Any other conflict returns
// the stored outcome with replayed set.
func (o *Orchestrator) createTurn(ctx context.Context, log *zap.Logger, t domain.Turn) (domain.Turn, domain.Outcome, bool, error) {
	t.ClaimToken = newClaimToken()
	t.ClaimedAt = o.now()
	err := o.write(ctx, "create_turn", func(ctx context.Context) error {
		return o.store.CreateTurn(ctx, t)
	})
	if err == nil {
		return t, domain.Outcome{}, false, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return t, domain.Outcome{}, false, err
	}
	existing, found, err := o.lookup(ctx, t.DeliveryID)
	switch {
	case err != nil:
		return t, domain.Outcome{}, false, err
	case !found:
		return t, domain.Failed(domain.ReasonInProgress), true, nil
	case existing.ClaimToken == t.ClaimToken:
		log.Debug("turn created by an earlier attempt of the same write")
		return t, domain.Outcome{}, false, nil
	default:
		return t, storedOutcome(existing), true, nil
	}
}

// reject records a content-free audit stub for a policy rejection and sends
// the optional rejection reply. The rejection outcome stands even when the
// reply cannot be delivered.
func (o *Orchestrator) reject(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, now time.Time, out domain.Outcome, text string) domain.Outcome {
	reply := o.cfg.ReplyOnRejection && strings.TrimSpace(text) != ""
	status := domain.DeliverySkipped
	if reply {
		status = domain.DeliveryPending
	}
	stub := domain.Turn{
		DeliveryID:     msg.DeliveryID,
		SenderID:       msg.SenderID,
		Direction:      domain.DirectionInbound,
		Kind:           classifier.Classify(msg),
		Status:         domain.TurnRejected,
		Processed:      true,
		Outcome:        out,
		DeliveryStatus: status,
		CreatedAt:      now,
		ProcessedAt:    now,
	}
	if _, stored, replayed, err := o.createTurn(ctx, log, stub); err != nil {
		return o.persistenceFailure(ctx, log, msg, "create_rejection", err)
	} else if replayed {
		return stored
	}
	if reply {
		o.deliver(ctx, log, msg, text, out, out)
	}
	return out
}

func (o *Orchestrator) complete(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, turn domain.Turn, res dispatch.Result) domain.Outcome {
	out := domain.Sent(res.Text)
	if turn.Kind == domain.KindUnsupported {
		out = domain.Unsupported()
	}
	if res.EffectiveText != "" {
		turn.Content = res.EffectiveText
	}
	turn.Response = res.Text
	turn.Model = res.Usage.Model
	turn.PromptTokens = res.Usage.PromptTokens
	turn.CompletionTokens = res.Usage.CompletionTokens
	turn.Status = domain.TurnCompleted
	turn.Processed = true
	turn.Outcome = out
	turn.DeliveryStatus = domain.DeliveryPending
	turn.ProcessedAt = o.now()

	if stored, ok := o.finish(ctx, log, msg, turn); !ok {
		return stored
	}
	log.Info("turn completed",
		zap.Stringer("kind", turn.Kind),
		zap.String("model", turn.Model),
		zap.Int("prompt_tokens", turn.PromptTokens),
		zap.Int("completion_tokens", turn.CompletionTokens),
	)

	if ct, ok := turn.ContextTurn(); ok {
		if err := o.contexts.Append(context.WithoutCancel(ctx), turn.ConversationID, ct); err != nil {
			log.Warn("context append failed", zap.Error(err))
		}
	}

	onFailed := domain.Failed(domain.ReasonDeliveryFailed)
	if turn.Kind == domain.KindUnsupported {
		onFailed = out
	}
	return o.deliver(ctx, log, msg, res.Text, out, onFailed)
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, turn domain.Turn, res dispatch.Result) domain.Outcome {
	out := domain.Failed(res.Reason)
	fallback := strings.TrimSpace(o.cfg.FallbackText) != ""

	if res.EffectiveText != "" {
		turn.Content = res.EffectiveText
	}
	turn.Status = domain.TurnFailed
	turn.Processed = true
	turn.Outcome = out
	turn.ProcessedAt = o.now()
	if res.Err != nil {
		turn.ErrorMessage = res.Err.Error()
	}
	turn.DeliveryStatus = domain.DeliverySkipped
	if fallback {
		turn.DeliveryStatus = domain.DeliveryPending
	}

	if stored, ok := o.finish(ctx, log, msg, turn); !ok {
		return stored
	}
	log.Warn("turn failed", zap.String("reason", res.Reason), zap.Error(res.Err))

	if fallback {
		o.deliver(ctx, log, msg, o.cfg.FallbackText, out, out)
	}
	return out
}

// finish writes the terminal state of turn. When it reports false the
// returned outcome stands and nothing may be sent. After a failed write the
// turn is marked failed on a best-effort basis, so a redelivery replays the
// failure instead of waiting for the claim to expire.
func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, turn domain.Turn) (domain.Outcome, bool) {
	err := o.write(ctx, "finish_turn", func(ctx context.Context) error {
		return o.store.FinishTurn(ctx, turn)
	})
	if err == nil {
		return domain.Outcome{}, true
	}
	if errors.Is(err, repository.ErrConflict) {
		return o.current(ctx, log, turn.DeliveryID), false
	}

	out := o.persistenceFailure(ctx, log, msg, "finish_turn", err)
	failed := turn
	failed.Status = domain.TurnFailed
	failed.Processed = true
	failed.Outcome = out
	failed.ErrorMessage = err.Error()
	failed.DeliveryStatus = domain.DeliverySkipped
	failed.ProcessedAt = o.now()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if ferr := o.store.FinishTurn(wctx, failed); ferr != nil {
		log.Warn("turn left pending until its claim expires", zap.Error(ferr))
	}
	return out, false
}

// deliver sends text and records the delivery status. It returns onSent or
// onFailed depending on the send result.
func (o *Orchestrator) deliver(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, text string, onSent, onFailed domain.Outcome) domain.Outcome {
	sctx := context.WithoutCancel(ctx)
	status, out := domain.DeliverySent, onSent
	err := o.retry.Do(sctx, "send", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
		defer cancel()
		return o.replier.Send(ctx, msg.SenderID, text)
	})
	if err != nil {
		log.Error("reply not delivered", zap.Error(err))
		status, out = domain.DeliveryFailed, onFailed
	}

	if err := o.write(ctx, "update_delivery", func(ctx context.Context) error {
		return o.store.UpdateDelivery(ctx, msg.DeliveryID, status, out)
	}); err != nil {
		log.Error("delivery status not recorded", zap.String("delivery_status", string(status)), zap.Error(err))
		o.audit(ctx, log, msg, "update_delivery", err)
	}
	return out
}

// persistenceFailure records what it can about a failed write and reports
// it. Nothing is sent.
func (o *Orchestrator) persistenceFailure(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, action string, err error) domain.Outcome {
	log.Error("persistence failed", zap.String("action", action), zap.Error(err))
	o.audit(ctx, log, msg, action, err)
	return domain.Failed(domain.ReasonPersistence)
}

func (o *Orchestrator) audit(ctx context.Context, log *zap.Logger, msg domain.InboundMessage, action string, cause error) {
	entry := domain.AuditEntry{
		DeliveryID: msg.DeliveryID,
		SenderID:   msg.SenderID,
		Action:     action,
		Detail:     cause.Error(),
		CreatedAt:  o.now(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.store.WriteAudit(wctx, entry); err != nil {
		log.Error("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// read runs a store call under the caller's context.
func (o *Orchestrator) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()
	return o.retry.Do(ctx, op, fn)
}

// write runs a store call that must finish even if the caller gave up.
func (o *Orchestrator) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	return o.retry.Do(ctx, op, fn)
}
