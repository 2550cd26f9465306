// Package classifier assigns a content kind to inbound messages from their
// declared metadata. Payloads are never inspected.
package classifier

import (
	"mime"
	"strings"

	"message-orchestrator/internal/domain"
)

var documentTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
}

// Classify maps msg to exactly one content kind.
//
// The declared media content type wins when present. A transport hint is used
// only when it names a known kind that is consistent with whether the message
// carries media. A message with neither media nor text is Unsupported.
func Classify(msg domain.InboundMessage) domain.ContentKind {
	hint, hinted := domain.ParseContentKind(strings.ToLower(strings.TrimSpace(msg.ContentKindHint)))

	if !msg.HasMedia() {
		if hinted && hint == domain.KindUnsupported {
			return domain.KindUnsupported
		}
		if strings.TrimSpace(msg.Text) == "" {
			return domain.KindUnsupported
		}
		return domain.KindText
	}

	if kind, ok := byContentType(msg.MediaContentType); ok {
		return kind
	}
	if hinted && hint != domain.KindText {
		return hint
	}
	return domain.KindUnsupported
}

func byContentType(contentType string) (domain.ContentKind, bool) {
	raw := strings.TrimSpace(contentType)
	if raw == "" {
		return 0, false
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]))
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return domain.KindImage, true
	case strings.HasPrefix(mediaType, "audio/"):
		return domain.KindAudio, true
	case documentTypes[mediaType]:
		return domain.KindDocument, true
	default:
		return domain.KindUnsupported, true
	}
}
