package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"message-orchestrator/internal/domain"
)

const (
	defaultBaseURL            = "https://api.openai.com/v1"
	defaultModel              = "gpt-4o-mini"
	defaultVisionModel        = "gpt-4o-mini"
	defaultTranscriptionModel = goopenai.Whisper1
	defaultMaxTokens          = 1000
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Message    string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// Config selects models and generation limits.
type Config struct {
	Model              string
	VisionModel        string
	TranscriptionModel string
	MaxTokens          int
	Temperature        float32
}

// Client implements completion, vision, transcription and moderation on top
// of go-openai. The API key comes from WithAPIKey or, when unset, from SSM on
// first use.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	staticKey   string

	mu  sync.Mutex
	api *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey uses key directly instead of reading it from SSM.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

// NewClient creates a Client. ps may be nil only when WithAPIKey is given.
func NewClient(ps Getter, paramPrefix string, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:         cfg,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      ps,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.staticKey == "" {
		if ps == nil {
			return nil, errors.New("openai: paramstore getter must not be nil without an API key")
		}
		if c.paramPrefix == "" {
			return nil, errors.New("openai: parameter prefix must not be empty")
		}
	}
	if c.cfg.Model == "" {
		c.cfg.Model = defaultModel
	}
	if c.cfg.VisionModel == "" {
		c.cfg.VisionModel = defaultVisionModel
	}
	if c.cfg.TranscriptionModel == "" {
		c.cfg.TranscriptionModel = defaultTranscriptionModel
	}
	if c.cfg.MaxTokens <= 0 {
		c.cfg.MaxTokens = defaultMaxTokens
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolveClient builds the SDK client on first use. A failed key lookup is
// not cached so the next call tries again.
func (c *Client) resolveClient(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}

	key := c.staticKey
	if key == "" {
		var err error
		key, err = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
		if err != nil {
			return nil, err
		}
	}

	config := goopenai.DefaultConfig(key)
	if c.baseURL != "" {
		config.BaseURL = strings.TrimRight(c.baseURL, "/")
	}
	if c.httpClient != nil {
		config.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(config)
	return c.api, nil
}

// Complete sends the conversation and the current message. Requests that
// carry an image go to the vision model as a data URL.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	api, err := c.resolveClient(ctx)
	if err != nil {
		return domain.Completion{}, err
	}

	model := c.cfg.Model
	if req.Image != nil {
		model = c.cfg.VisionModel
	}
	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:               model,
		Messages:            buildMessages(req),
		MaxCompletionTokens: c.cfg.MaxTokens,
		Temperature:         c.cfg.Temperature,
	})
	if err != nil {
		return domain.Completion{}, wrapError("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Completion{}, errors.New("openai: no choices in response")
	}

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return domain.Completion{
		Text: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: domain.Usage{
			Model:            usedModel,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func buildMessages(req domain.CompletionRequest) []goopenai.ChatCompletionMessage {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+2)
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: prompt})
	}
	for _, m := range req.History {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	if req.Image == nil {
		return append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Text})
	}
	return append(messages, goopenai.ChatCompletionMessage{
		Role: goopenai.ChatMessageRoleUser,
		MultiContent: []goopenai.ChatMessagePart{
			{Type: goopenai.ChatMessagePartTypeText, Text: req.Text},
			{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    dataURL(*req.Image),
					Detail: goopenai.ImageURLDetailAuto,
				},
			},
		},
	})
}

func dataURL(m domain.Media) string {
	return "data:" + m.ContentType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

// Transcribe converts speech to text with the transcription model.
func (c *Client) Transcribe(ctx context.Context, audio domain.Media) (string, error) {
	api, err := c.resolveClient(ctx)
	if err != nil {
		return "", err
	}
	name := audio.Filename
	if name == "" {
		name = "audio" + audioExtension(audio.ContentType)
	}
	resp, err := api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: name,
		Reader:   bytes.NewReader(audio.Data),
	})
	if err != nil {
		return "", wrapError("transcription", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// audioExtension maps a content type to a file extension the transcription
// endpoint recognizes.
func audioExtension(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/amr":
		return ".amr"
	default:
		return ".ogg"
	}
}

// Moderate calls the Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	api, err := c.resolveClient(ctx)
	if err != nil {
		return false, err
	}
	resp, err := api.Moderations(ctx, goopenai.ModerationRequest{Input: input})
	if err != nil {
		return false, wrapError("moderation", err)
	}
	if len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return resp.Results[0].Flagged, nil
}

// wrapError turns SDK status errors into HTTPStatusError so callers can
// classify them by status code. Transport errors pass through wrapped.
func wrapError(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Op: op, Message: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Op: op, Message: reqErr.Error(), Err: err}
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
