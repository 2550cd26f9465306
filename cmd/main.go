package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"message-orchestrator/handler"
	"message-orchestrator/internal/access"
	"message-orchestrator/internal/config"
	"message-orchestrator/internal/contextstore"
	"message-orchestrator/internal/dispatch"
	"message-orchestrator/internal/integrations/openai"
	"message-orchestrator/internal/integrations/paramstore"
	"message-orchestrator/internal/integrations/pdf"
	"message-orchestrator/internal/integrations/twilio"
	"message-orchestrator/internal/policy"
	"message-orchestrator/internal/ratelimit"
	"message-orchestrator/internal/repository"
	"message-orchestrator/internal/retry"
	"message-orchestrator/internal/usecase"
)

// store is what both the DynamoDB and in-memory repositories provide.
type store interface {
	usecase.Store
	contextstore.Loader
}

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	fatal := func(msg string, err error) {
		logger.Error(msg, zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Policy ----
	var params *paramstore.Client
	if cfg.SSM.ParamPrefix != "" {
		params, err = paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
	}
	base := policy.Snapshot{
		AllowList:       access.ParseList(cfg.Access.AllowList),
		AllowAll:        cfg.Access.AllowAll,
		RateMax:         cfg.RateLimit.MaxMessages,
		RateWindow:      cfg.RateLimit.Window,
		MaxContextTurns: cfg.Context.MaxTurns,
		SystemPrompt:    cfg.Context.SystemPrompt,
	}
	var getter policy.ParamsGetter
	if params != nil {
		getter = params
	}
	src, err := policy.New(base, getter, cfg.SSM.ParamPrefix, logger.Named("policy"))
	if err != nil {
		fatal("failed to create policy source", err)
	}
	if params != nil {
		if err := src.Refresh(ctx); err != nil {
			logger.Warn("initial policy refresh failed, using configured policy", zap.Error(err))
		}
		go src.Run(ctx, cfg.SSM.RefreshInterval)
	}

	// ---- Rate limiter ----
	var limiter usecase.Limiter
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		limiter, err = ratelimit.NewRedis(rdb, src.Limits)
	default:
		limiter, err = ratelimit.NewMemory(src.Limits, cfg.RateLimit.SweepInterval, logger.Named("ratelimit"))
	}
	if err != nil {
		fatal("failed to create rate limiter", err)
	}

	// ---- Persistence ----
	var repo store
	if cfg.DynamoDB.Table != "" {
		repo, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoDB.Table, repository.WithTurnTTL(cfg.DynamoDB.TurnTTL))
		if err != nil {
			fatal("failed to create repository", err)
		}
	} else {
		logger.Warn("dynamodb.table is empty, turns are kept in memory only")
		repo = repository.NewMemory()
	}
	contexts, err := contextstore.New(repo, cfg.Context.Capacity, cfg.Context.MaxConversations, logger.Named("contextstore"))
	if err != nil {
		fatal("failed to create context store", err)
	}

	// ---- Clients ----
	var openaiOpts []openai.Option
	if cfg.OpenAI.APIKey != "" {
		openaiOpts = append(openaiOpts, openai.WithAPIKey(cfg.OpenAI.APIKey))
	}
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	var keyGetter openai.Getter
	if params != nil {
		keyGetter = params
	}
	openaiClient, err := openai.NewClient(keyGetter, cfg.SSM.ParamPrefix, openai.Config{
		Model:              cfg.OpenAI.Model,
		VisionModel:        cfg.OpenAI.VisionModel,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		MaxTokens:          cfg.OpenAI.MaxTokens,
		Temperature:        float32(cfg.OpenAI.Temperature),
	}, openaiOpts...)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	twilioClient, err := twilio.New(twilio.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		From:       cfg.Twilio.WhatsAppNumber,
	}, twilio.WithMaxMediaBytes(cfg.Dispatch.MaxMediaBytes))
	if err != nil {
		fatal("failed to create Twilio client", err)
	}

	retryPolicy := retry.New(map[retry.Class]retry.Rule{
		retry.ClassTimeout:   retryRule(cfg.Retry.Timeout),
		retry.ClassTransient: retryRule(cfg.Retry.Transient),
		retry.ClassPermanent: retryRule(cfg.Retry.Permanent),
	}, retry.WithLogger(logger.Named("retry")))

	// ---- Pipeline ----
	deps := dispatch.Deps{
		Fetcher:     twilioClient,
		Transcriber: openaiClient,
		Extractor:   pdf.New(),
		Completer:   openaiClient,
	}
	if cfg.Dispatch.Moderation {
		deps.Moderator = openaiClient
	}
	dispatcher, err := dispatch.New(deps, dispatch.Config{
		Timeouts: dispatch.Timeouts{
			Fetch:      cfg.Timeouts.Fetch,
			Transcribe: cfg.Timeouts.Transcribe,
			Extract:    cfg.Timeouts.Extract,
			Complete:   cfg.Timeouts.Complete,
			Moderate:   cfg.Timeouts.Moderate,
		},
		MaxInFlight:      cfg.Dispatch.MaxInFlight,
		MaxMediaBytes:    cfg.Dispatch.MaxMediaBytes,
		DocumentChars:    cfg.Dispatch.DocumentChars,
		UnsupportedReply: cfg.Reply.UnsupportedText,
	}, retryPolicy, logger.Named("dispatch"))
	if err != nil {
		fatal("failed to create dispatcher", err)
	}

	orchestrator, err := usecase.New(usecase.Deps{
		Store:      repo,
		Gate:       access.NewGate(src.AccessSnapshot),
		Limiter:    limiter,
		Contexts:   contexts,
		Dispatcher: dispatcher,
		Replier:    twilioClient,
		Policy:     src,
		Retry:      retryPolicy,
	}, usecase.Config{
		PipelineTimeout:  cfg.Timeouts.Pipeline,
		SendTimeout:      cfg.Timeouts.Send,
		PersistTimeout:   cfg.Timeouts.Persist,
		ReplyOnRejection: cfg.Reply.OnRejection,
		NotPermittedText: cfg.Reply.NotPermittedText,
		RateLimitedText:  cfg.Reply.RateLimitedText,
		FallbackText:     cfg.Reply.Fallback,
	}, logger.Named("usecase"))
	if err != nil {
		fatal("failed to create orchestrator", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(orchestrator, handler.Config{
		AuthToken:       cfg.Twilio.AuthToken,
		VerifySignature: cfg.Twilio.VerifySignature,
		WebhookURL:      cfg.Twilio.WebhookURL,
	}, logger.Named("handler"))
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func retryRule(r config.RetryRule) retry.Rule {
	return retry.Rule{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}
