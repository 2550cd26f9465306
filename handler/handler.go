// Package handler adapts API Gateway webhook events from Twilio to the
// orchestrator and maps outcomes back to HTTP responses.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"message-orchestrator/internal/domain"
	"message-orchestrator/internal/integrations/twilio"
	"message-orchestrator/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSignature     = "X-Twilio-Signature"
	headerOutcome       = "X-Outcome"
	headerReason        = "X-Outcome-Reason"
	emptyTwiML          = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	healthPath          = "/health"
	errorForbidden      = "FORBIDDEN"
	errorNotAllowed     = "METHOD_NOT_ALLOWED"
)

type UseCase interface {
	Handle(ctx context.Context, msg domain.InboundMessage) (domain.Outcome, error)
}

// Config controls webhook authentication. WebhookURL is the public URL
// Twilio signs; when empty it is rebuilt from the Host header and path.
type Config struct {
	AuthToken       string
	VerifySignature bool
	WebhookURL      string
}

type Handler struct {
	uc     UseCase
	cfg    Config
	logger *zap.Logger
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func NewHandler(uc UseCase, cfg Config, logger *zap.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if cfg.VerifySignature && strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("handler: auth token is required to verify signatures")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{uc: uc, cfg: cfg, logger: logger}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With(zap.String("correlation_id", correlationID))

	if strings.TrimRight(req.Path, "/") == healthPath {
		return jsonResponse(http.StatusOK, correlationID, healthResponse{Status: "healthy"}), nil
	}
	if req.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: errorNotAllowed}), nil
	}

	form, err := parseForm(req)
	if err != nil {
		log.Warn("invalid webhook body", zap.Error(err))
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_form"}), nil
	}
	if h.cfg.VerifySignature && !twilio.ValidSignature(h.cfg.AuthToken, h.requestURL(req), form, header(req.Headers, headerSignature)) {
		log.Warn("webhook signature rejected")
		return jsonResponse(http.StatusForbidden, correlationID, errorResponse{Error: errorForbidden, Reason: "invalid_signature"}), nil
	}

	msg := inboundMessage(form)
	out, err := h.uc.Handle(ctx, msg)
	if err != nil {
		return h.errorResponse(log, correlationID, err), nil
	}

	log.Info("delivery handled",
		zap.String("delivery_id", msg.DeliveryID),
		zap.String("outcome", string(out.Kind)),
		zap.String("reason", out.Reason),
	)
	resp := events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":      "text/xml",
			headerCorrelationID: correlationID,
			headerOutcome:       string(out.Kind),
		},
		Body: emptyTwiML,
	}
	if out.Reason != "" {
		resp.Headers[headerReason] = out.Reason
	}
	if out.Kind == domain.OutcomeRateLimited {
		resp.Headers["Retry-After"] = strconv.Itoa(int(math.Ceil(out.RetryAfter.Seconds())))
	}
	return resp, nil
}

func (h *Handler) errorResponse(log *zap.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", zap.Error(err))
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		log.Error("delivery not handled", zap.String("code", string(ucErr.Code)), zap.String("reason", ucErr.Reason), zap.Error(ucErr.Err))
	} else {
		log.Warn("delivery rejected", zap.String("code", string(ucErr.Code)), zap.String("reason", ucErr.Reason))
	}
	return jsonResponse(status, correlationID, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

func parseForm(req events.APIGatewayProxyRequest) (url.Values, error) {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, err
		}
		body = string(raw)
	}
	return url.ParseQuery(body)
}

// unsupportedTypes are WhatsApp message types the assistant cannot answer
// even when they carry no media.
var unsupportedTypes = map[string]bool{
	"location": true,
	"contacts": true,
	"sticker":  true,
	"video":    true,
}

func inboundMessage(form url.Values) domain.InboundMessage {
	msg := domain.InboundMessage{
		DeliveryID: firstNonEmpty(form.Get("MessageSid"), form.Get("SmsMessageSid")),
		SenderID:   form.Get("From"),
		SenderName: form.Get("ProfileName"),
		Text:       form.Get("Body"),
	}
	if n, err := strconv.Atoi(form.Get("NumMedia")); err == nil && n > 0 {
		msg.MediaLocator = form.Get("MediaUrl0")
		msg.MediaContentType = form.Get("MediaContentType0")
	}
	if mt := strings.ToLower(strings.TrimSpace(form.Get("MessageType"))); mt != "" {
		if unsupportedTypes[mt] {
			mt = domain.KindUnsupported.String()
		}
		msg.ContentKindHint = mt
	}
	return msg
}

func (h *Handler) requestURL(req events.APIGatewayProxyRequest) string {
	if h.cfg.WebhookURL != "" {
		return h.cfg.WebhookURL
	}
	u := url.URL{Scheme: "https", Host: header(req.Headers, "Host"), Path: req.Path}
	if proto := header(req.Headers, "X-Forwarded-Proto"); proto != "" {
		u.Scheme = proto
	}
	if len(req.QueryStringParameters) > 0 {
		q := url.Values{}
		for k, v := range req.QueryStringParameters {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}
