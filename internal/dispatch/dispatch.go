// Package dispatch runs one classified message through its content-specific
// processing path and produces a single response artifact.
//
// Every message moves through the states
//
//	classified -> preparing -> awaiting_upstream -> completed | failed
//
// Preparation is where media is fetched and converted into effective text:
// audio is transcribed, documents are extracted, images are validated and
// passed to the vision model alongside a prompt. The completion call is the
// single upstream call that produces the reply. Every external call goes
// through the retry policy, a per-call timeout and a bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"message-orchestrator/internal/domain"
	"message-orchestrator/internal/retry"
)

type State string

const (
	StateClassified       State = "classified"
	StatePreparing        State = "preparing"
	StateAwaitingUpstream State = "awaiting_upstream"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

const (
	defaultMaxInFlight      = 16
	defaultMaxMediaBytes    = 10 << 20
	defaultDocumentChars    = 3000
	defaultImagePrompt      = "Describe this image in detail."
	defaultUnsupportedReply = "Sorry, I cannot process this type of message yet."
	documentPromptPrefix    = "Summarize this document: "
)

type MediaFetcher interface {
	Fetch(ctx context.Context, locator string) (domain.Media, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio domain.Media) (string, error)
}

type Extractor interface {
	ExtractText(ctx context.Context, doc domain.Media) (string, error)
}

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

// Deps are the external capabilities. Moderator is optional.
type Deps struct {
	Fetcher     MediaFetcher
	Transcriber Transcriber
	Extractor   Extractor
	Completer   Completer
	Moderator   Moderator
}

// Timeouts bound each external call. Zero leaves the call bounded only by
// the caller's context.
type Timeouts struct {
	Fetch      time.Duration
	Transcribe time.Duration
	Extract    time.Duration
	Complete   time.Duration
	Moderate   time.Duration
}

type Config struct {
	Timeouts         Timeouts
	MaxInFlight      int64
	MaxMediaBytes    int64
	DocumentChars    int
	ImagePrompt      string
	UnsupportedReply string
}

// Job is one classified message. History must contain only turns that
// completed before this message started.
type Job struct {
	DeliveryID   string
	Kind         domain.ContentKind
	Message      domain.InboundMessage
	History      []domain.ChatMessage
	SystemPrompt string
}

// Result is the terminal state of a Job. Reason and Err are set only when
// State is StateFailed.
type Result struct {
	State         State
	EffectiveText string
	Text          string
	Usage         domain.Usage
	Reason        string
	Err           error
}

type prepared struct {
	text  string
	image *domain.Media
	// reply ends the job without an upstream call.
	reply string
}

type preparer func(ctx context.Context, job Job) (prepared, error)

type Dispatcher struct {
	deps     Deps
	cfg      Config
	retry    *retry.Policy
	sem      *semaphore.Weighted
	logger   *zap.Logger
	handlers map[domain.ContentKind]preparer
}

func New(deps Deps, cfg Config, policy *retry.Policy, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("dispatch: media fetcher must not be nil")
	}
	if deps.Transcriber == nil {
		return nil, errors.New("dispatch: transcriber must not be nil")
	}
	if deps.Extractor == nil {
		return nil, errors.New("dispatch: extractor must not be nil")
	}
	if deps.Completer == nil {
		return nil, errors.New("dispatch: completer must not be nil")
	}
	if policy == nil {
		policy = retry.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = defaultMaxMediaBytes
	}
	if cfg.DocumentChars <= 0 {
		cfg.DocumentChars = defaultDocumentChars
	}
	if strings.TrimSpace(cfg.ImagePrompt) == "" {
		cfg.ImagePrompt = defaultImagePrompt
	}
	if strings.TrimSpace(cfg.UnsupportedReply) == "" {
		cfg.UnsupportedReply = defaultUnsupportedReply
	}

	d := &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		retry:  policy,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		logger: logger,
	}
	d.handlers = map[domain.ContentKind]preparer{
		domain.KindText:        d.prepareText,
		domain.KindImage:       d.prepareImage,
		domain.KindAudio:       d.prepareAudio,
		domain.KindDocument:    d.prepareDocument,
		domain.KindUnsupported: d.prepareUnsupported,
	}
	if err := validateHandlers(d.handlers); err != nil {
		return nil, err
	}
	return d, nil
}

func validateHandlers(handlers map[domain.ContentKind]preparer) error {
	for _, k := range domain.ContentKinds {
		if handlers[k] == nil {
			return fmt.Errorf("dispatch: no handler for content kind %s", k)
		}
	}
	return nil
}

// Run drives job to a terminal state. It never panics on upstream failure;
// failures are reported in the Result.
func (d *Dispatcher) Run(ctx context.Context, job Job) Result {
	log := d.logger.With(
		zap.String("delivery_id", job.DeliveryID),
		zap.Stringer("kind", job.Kind),
	)
	log.Debug("dispatch transition", zap.String("state", string(StateClassified)))

	handler, ok := d.handlers[job.Kind]
	if !ok {
		return d.fail(ctx, log, "", reject(domain.ReasonUpstreamRejected, fmt.Errorf("dispatch: unknown content kind %s", job.Kind)))
	}

	log.Debug("dispatch transition", zap.String("state", string(StatePreparing)))
	p, err := handler(ctx, job)
	if err != nil {
		return d.fail(ctx, log, p.text, err)
	}
	if p.reply != "" {
		log.Info("dispatch transition", zap.String("state", string(StateCompleted)), zap.Bool("upstream", false))
		return Result{State: StateCompleted, EffectiveText: p.text, Text: p.reply}
	}

	if err := d.moderate(ctx, p.text); err != nil {
		return d.fail(ctx, log, p.text, err)
	}

	log.Debug("dispatch transition", zap.String("state", string(StateAwaitingUpstream)))
	req := domain.CompletionRequest{
		SystemPrompt: job.SystemPrompt,
		History:      append([]domain.ChatMessage(nil), job.History...),
		Text:         p.text,
		Image:        p.image,
	}
	var out domain.Completion
	err = d.call(ctx, "complete", d.cfg.Timeouts.Complete, func(ctx context.Context) error {
		c, err := d.deps.Completer.Complete(ctx, req)
		if err != nil {
			return err
		}
		if strings.TrimSpace(c.Text) == "" {
			return retry.Permanent(errors.New("dispatch: empty completion"))
		}
		out = c
		return nil
	})
	if err != nil {
		return d.fail(ctx, log, p.text, err)
	}

	log.Info("dispatch transition",
		zap.String("state", string(StateCompleted)),
		zap.String("model", out.Usage.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
	)
	return Result{State: StateCompleted, EffectiveText: p.text, Text: strings.TrimSpace(out.Text), Usage: out.Usage}
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, effective string, err error) Result {
	reason := reasonFor(ctx, err)
	log.Warn("dispatch transition",
		zap.String("state", string(StateFailed)),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return Result{State: StateFailed, EffectiveText: effective, Reason: reason, Err: err}
}

func (d *Dispatcher) moderate(ctx context.Context, text string) error {
	if d.deps.Moderator == nil {
		return nil
	}
	var flagged bool
	err := d.call(ctx, "moderate", d.cfg.Timeouts.Moderate, func(ctx context.Context) error {
		var err error
		flagged, err = d.deps.Moderator.Moderate(ctx, text)
		return err
	})
	if err != nil {
		return err
	}
	if flagged {
		return reject(domain.ReasonContentFlagged, errors.New("dispatch: content flagged by moderation"))
	}
	return nil
}

// call runs fn under the retry policy. Each attempt holds one worker slot and
// its own timeout.
func (d *Dispatcher) call(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return d.retry.Do(ctx, op, func(ctx context.Context) error {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer d.sem.Release(1)

		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return fn(callCtx)
	})
}

// stageError carries the failure reason chosen by a processing stage.
type stageError struct {
	reason string
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func reject(reason string, err error) error {
	return retry.Permanent(&stageError{reason: reason, err: err})
}

func reasonFor(ctx context.Context, err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.reason
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ReasonTimeout
	}
	switch retry.Classify(err) {
	case retry.ClassTimeout:
		return domain.ReasonTimeout
	case retry.ClassTransient:
		return domain.ReasonUpstreamUnavailable
	default:
		return domain.ReasonUpstreamRejected
	}
}
