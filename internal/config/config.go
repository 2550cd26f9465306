// Package config loads process configuration from defaults, an optional YAML
// file and environment variables. Environment names are the upper-cased key
// with dots replaced by underscores, e.g. RATE_LIMIT_MAX_MESSAGES.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Access    AccessConfig    `mapstructure:"access"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Context   ContextConfig   `mapstructure:"context"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Reply     ReplyConfig     `mapstructure:"reply"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Twilio    TwilioConfig    `mapstructure:"twilio"`
	DynamoDB  DynamoDBConfig  `mapstructure:"dynamodb"`
	SSM       SSMConfig       `mapstructure:"ssm"`
	Log       LogConfig       `mapstructure:"log"`
}

type AccessConfig struct {
	// AllowList is a comma separated list of sender ids.
	AllowList string `mapstructure:"allow_list"`
	AllowAll  bool   `mapstructure:"allow_all"`
}

type RateLimitConfig struct {
	Backend       string        `mapstructure:"backend"`
	MaxMessages   int           `mapstructure:"max_messages"`
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type ContextConfig struct {
	MaxTurns         int    `mapstructure:"max_turns"`
	Capacity         int    `mapstructure:"capacity"`
	MaxConversations int    `mapstructure:"max_conversations"`
	SystemPrompt     string `mapstructure:"system_prompt"`
}

type TimeoutsConfig struct {
	Pipeline   time.Duration `mapstructure:"pipeline"`
	Fetch      time.Duration `mapstructure:"fetch"`
	Transcribe time.Duration `mapstructure:"transcribe"`
	Extract    time.Duration `mapstructure:"extract"`
	Complete   time.Duration `mapstructure:"complete"`
	Moderate   time.Duration `mapstructure:"moderate"`
	Send       time.Duration `mapstructure:"send"`
	Persist    time.Duration `mapstructure:"persist"`
}

type RetryRule struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type RetryConfig struct {
	Timeout   RetryRule `mapstructure:"timeout"`
	Transient RetryRule `mapstructure:"transient"`
	Permanent RetryRule `mapstructure:"permanent"`
}

type DispatchConfig struct {
	MaxInFlight   int64 `mapstructure:"max_in_flight"`
	MaxMediaBytes int64 `mapstructure:"max_media_bytes"`
	DocumentChars int   `mapstructure:"document_chars"`
	Moderation    bool  `mapstructure:"moderation"`
}

type ReplyConfig struct {
	OnRejection      bool   `mapstructure:"on_rejection"`
	Fallback         string `mapstructure:"fallback"`
	NotPermittedText string `mapstructure:"not_permitted_text"`
	RateLimitedText  string `mapstructure:"rate_limited_text"`
	UnsupportedText  string `mapstructure:"unsupported_text"`
}

type OpenAIConfig struct {
	APIKey             string  `mapstructure:"api_key"`
	BaseURL            string  `mapstructure:"base_url"`
	Model              string  `mapstructure:"model"`
	VisionModel        string  `mapstructure:"vision_model"`
	TranscriptionModel string  `mapstructure:"transcription_model"`
	MaxTokens          int     `mapstructure:"max_tokens"`
	Temperature        float64 `mapstructure:"temperature"`
}

type TwilioConfig struct {
	AccountSID      string `mapstructure:"account_sid"`
	AuthToken       string `mapstructure:"auth_token"`
	WhatsAppNumber  string `mapstructure:"whatsapp_number"`
	VerifySignature bool   `mapstructure:"verify_signature"`
	// WebhookURL is the public URL Twilio signs. Empty derives it from the request.
	WebhookURL string `mapstructure:"webhook_url"`
}

type DynamoDBConfig struct {
	// Table empty selects the in-memory store.
	Table   string        `mapstructure:"table"`
	TurnTTL time.Duration `mapstructure:"turn_ttl"`
}

type SSMConfig struct {
	// ParamPrefix empty disables runtime policy refresh and SSM key lookup.
	ParamPrefix     string        `mapstructure:"param_prefix"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("access.allow_list", "")
	v.SetDefault("access.allow_all", false)

	v.SetDefault("rate_limit.backend", BackendMemory)
	v.SetDefault("rate_limit.max_messages", 10)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.sweep_interval", 5*time.Minute)
	v.SetDefault("rate_limit.redis_addr", "localhost:6379")
	v.SetDefault("rate_limit.redis_password", "")
	v.SetDefault("rate_limit.redis_db", 0)

	v.SetDefault("context.max_turns", 10)
	v.SetDefault("context.capacity", 20)
	v.SetDefault("context.max_conversations", 1000)
	v.SetDefault("context.system_prompt", "You are a helpful assistant that responds concisely on WhatsApp.")

	v.SetDefault("timeouts.pipeline", 50*time.Second)
	v.SetDefault("timeouts.fetch", 15*time.Second)
	v.SetDefault("timeouts.transcribe", 30*time.Second)
	v.SetDefault("timeouts.extract", 10*time.Second)
	v.SetDefault("timeouts.complete", 30*time.Second)
	v.SetDefault("timeouts.moderate", 5*time.Second)
	v.SetDefault("timeouts.send", 10*time.Second)
	v.SetDefault("timeouts.persist", 5*time.Second)

	v.SetDefault("retry.timeout.max_attempts", 3)
	v.SetDefault("retry.timeout.base_delay", 200*time.Millisecond)
	v.SetDefault("retry.timeout.max_delay", 2*time.Second)
	v.SetDefault("retry.transient.max_attempts", 3)
	v.SetDefault("retry.transient.base_delay", 200*time.Millisecond)
	v.SetDefault("retry.transient.max_delay", 2*time.Second)
	v.SetDefault("retry.permanent.max_attempts", 1)
	v.SetDefault("retry.permanent.base_delay", 0)
	v.SetDefault("retry.permanent.max_delay", 0)

	v.SetDefault("dispatch.max_in_flight", 16)
	v.SetDefault("dispatch.max_media_bytes", 10<<20)
	v.SetDefault("dispatch.document_chars", 3000)
	v.SetDefault("dispatch.moderation", false)

	v.SetDefault("reply.on_rejection", true)
	v.SetDefault("reply.fallback", "Sorry, I encountered an error processing your message. Please try again later.")
	v.SetDefault("reply.not_permitted_text", "Sorry, you are not authorized to use this bot. Please contact the administrator for access.")
	v.SetDefault("reply.rate_limited_text", "You are sending messages too quickly. Please wait a moment and try again.")
	v.SetDefault("reply.unsupported_text", "Sorry, I cannot process this type of message yet.")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.vision_model", "gpt-4o-mini")
	v.SetDefault("openai.transcription_model", "whisper-1")
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.temperature", 0.7)

	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.whatsapp_number", "")
	v.SetDefault("twilio.verify_signature", true)
	v.SetDefault("twilio.webhook_url", "")

	v.SetDefault("dynamodb.table", "")
	v.SetDefault("dynamodb.turn_ttl", 0)

	v.SetDefault("ssm.param_prefix", "")
	v.SetDefault("ssm.refresh_interval", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q must be %q or %q", c.RateLimit.Backend, BackendMemory, BackendRedis))
	}
	if c.RateLimit.MaxMessages < 0 {
		errs = append(errs, errors.New("rate_limit.max_messages must not be negative"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.Context.MaxTurns < 0 {
		errs = append(errs, errors.New("context.max_turns must not be negative"))
	}
	if c.Timeouts.Pipeline <= 0 {
		errs = append(errs, errors.New("timeouts.pipeline must be positive"))
	}
	for name, r := range map[string]RetryRule{
		"timeout":   c.Retry.Timeout,
		"transient": c.Retry.Transient,
		"permanent": c.Retry.Permanent,
	} {
		if r.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("retry.%s.max_attempts must be at least 1", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
