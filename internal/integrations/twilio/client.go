// Package twilio sends WhatsApp replies through the Twilio Messages API and
// downloads inbound media with the account credentials.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	twiliosdk "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"message-orchestrator/internal/domain"
)

const (
	defaultMaxMediaBytes = 10 << 20
	whatsappPrefix       = "whatsapp:"
	maxErrorBody         = 4 << 10
)

// ErrMediaTooLarge is returned by Fetch when the media exceeds the size cap.
var ErrMediaTooLarge = errors.New("twilio: media exceeds size limit")

// HTTPStatusError captures non-2xx Twilio responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Config struct {
	AccountSID string
	AuthToken  string
	// From is the sending WhatsApp number, with or without the whatsapp: prefix.
	From string
}

// Client sends messages with the Twilio SDK and fetches media over plain
// HTTP with the account credentials.
type Client struct {
	cfg           Config
	apiBase       *url.URL
	httpClient    *http.Client
	maxMediaBytes int64
}

type Option func(*Client)

// WithBaseURL sends API requests to baseURL instead of api.twilio.com.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u, err := url.Parse(strings.TrimSpace(baseURL)); err == nil && u.Host != "" {
			c.apiBase = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxMediaBytes caps the size of downloaded media.
func WithMaxMediaBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxMediaBytes = n
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account sid must not be empty")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token must not be empty")
	}
	if cfg.From == "" {
		return nil, errors.New("twilio: from number must not be empty")
	}
	c := &Client{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		maxMediaBytes: defaultMaxMediaBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// Send delivers text to a WhatsApp recipient through the Messages API. to
// may carry the whatsapp: prefix or not.
func (c *Client) Send(ctx context.Context, to, text string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("twilio: Send: recipient must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("twilio: Send: text must not be empty")
	}

	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(c.cfg.AccountSID)
	params.SetTo(withPrefix(to))
	params.SetFrom(withPrefix(c.cfg.From))
	params.SetBody(text)

	rt := &callTransport{ctx: ctx, base: c.apiBase, next: c.httpClient.Transport}
	rest := twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
		Username:   c.cfg.AccountSID,
		Password:   c.cfg.AuthToken,
		AccountSid: c.cfg.AccountSID,
		Client: &twilioclient.Client{
			Credentials: twilioclient.NewCredentials(c.cfg.AccountSID, c.cfg.AuthToken),
			HTTPClient:  &http.Client{Transport: rt, Timeout: c.httpClient.Timeout},
		},
	})

	msg, err := rest.Api.CreateMessage(params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("twilio: send request: %w", ctxErr)
		}
		if rt.status >= 300 {
			return &HTTPStatusError{StatusCode: rt.status, Op: "send", Body: restErrorMessage(err)}
		}
		return fmt.Errorf("twilio: send request: %w", err)
	}
	if msg == nil || msg.Sid == nil || *msg.Sid == "" {
		return errors.New("twilio: send response missing message sid")
	}
	return nil
}

// callTransport binds SDK requests to the caller's context, points them at
// the configured API host and remembers the response status.
type callTransport struct {
	ctx    context.Context
	base   *url.URL
	next   http.RoundTripper
	status int
}

func (t *callTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(t.ctx)
	if t.base != nil {
		r.URL.Scheme = t.base.Scheme
		r.URL.Host = t.base.Host
		r.Host = t.base.Host
	}
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(r)
	if resp != nil {
		t.status = resp.StatusCode
	}
	return resp, err
}

func restErrorMessage(err error) string {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Message != "" {
		return restErr.Message
	}
	return err.Error()
}

// Fetch downloads the media at locator. Twilio media URLs require the
// account credentials; the redirect to storage does not carry them.
func (c *Client) Fetch(ctx context.Context, locator string) (domain.Media, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return domain.Media{}, errors.New("twilio: Fetch: locator must not be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return domain.Media{}, fmt.Errorf("twilio: build fetch request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Media{}, fmt.Errorf("twilio: fetch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Media{}, statusError("fetch media", resp)
	}
	if resp.ContentLength > c.maxMediaBytes {
		return domain.Media{}, fmt.Errorf("twilio: fetch media: %d bytes: %w", resp.ContentLength, ErrMediaTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMediaBytes+1))
	if err != nil {
		return domain.Media{}, fmt.Errorf("twilio: read media: %w", err)
	}
	if int64(len(data)) > c.maxMediaBytes {
		return domain.Media{}, fmt.Errorf("twilio: fetch media: %w", ErrMediaTooLarge)
	}

	return domain.Media{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    mediaFilename(resp.Request, locator),
	}, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPStatusError{StatusCode: resp.StatusCode, Op: op, Body: strings.TrimSpace(string(body))}
}

// mediaFilename returns the last path element of the final URL when it looks
// like a file name.
func mediaFilename(final *http.Request, locator string) string {
	raw := locator
	if final != nil && final.URL != nil {
		raw = final.URL.String()
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if !strings.Contains(name, ".") {
		return ""
	}
	return name
}

func withPrefix(number string) string {
	if strings.HasPrefix(number, whatsappPrefix) {
		return number
	}
	return whatsappPrefix + number
}
