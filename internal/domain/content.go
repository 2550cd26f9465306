package domain

import "fmt"

// ContentKind is the closed set of content classifications.
type ContentKind int

const (
	KindText ContentKind = iota + 1
	KindImage
	KindAudio
	KindDocument
	KindUnsupported
)

// ContentKinds lists every kind. Dispatch tables are validated against it.
var ContentKinds = []ContentKind{KindText, KindImage, KindAudio, KindDocument, KindUnsupported}

func (k ContentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	case KindDocument:
		return "document"
	case KindUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseContentKind maps a stored or hinted name back to a kind.
func ParseContentKind(s string) (ContentKind, bool) {
	for _, k := range ContentKinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// InboundMessage is the structured notification delivered by the transport.
type InboundMessage struct {
	DeliveryID       string
	SenderID         string
	SenderName       string
	ContentKindHint  string
	Text             string
	MediaLocator     string
	MediaContentType string
}

// HasMedia reports whether the message references a media object.
func (m InboundMessage) HasMedia() bool {
	return m.MediaLocator != ""
}
