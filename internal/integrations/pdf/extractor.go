// Package pdf extracts plain text from document attachments.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"message-orchestrator/internal/domain"
)

const defaultMaxTextBytes = 1 << 20

var (
	// ErrUnsupportedType is returned for documents that are neither PDF nor plain text.
	ErrUnsupportedType = errors.New("pdf: unsupported document type")
	// ErrMalformed is returned when the document cannot be parsed.
	ErrMalformed = errors.New("pdf: malformed document")
)

// Extractor converts PDF and plain text documents to text. Output is capped
// at MaxTextBytes; callers truncate further for prompts.
type Extractor struct {
	MaxTextBytes int64
}

func New() *Extractor {
	return &Extractor{MaxTextBytes: defaultMaxTextBytes}
}

func (e *Extractor) ExtractText(ctx context.Context, doc domain.Media) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	limit := e.MaxTextBytes
	if limit <= 0 {
		limit = defaultMaxTextBytes
	}

	switch mediaType(doc.ContentType) {
	case "text/plain":
		if !utf8.Valid(doc.Data) {
			return "", fmt.Errorf("pdf: ExtractText: text is not valid UTF-8: %w", ErrMalformed)
		}
		return capText(string(doc.Data), limit), nil
	case "application/pdf":
		text, err := readPDF(doc.Data, limit)
		if err != nil {
			return "", fmt.Errorf("pdf: ExtractText: %w", err)
		}
		return text, nil
	default:
		return "", fmt.Errorf("pdf: ExtractText %q: %w", doc.ContentType, ErrUnsupportedType)
	}
}

// readPDF returns the plain text of every page. The parser panics on some
// corrupt inputs; those are reported as ErrMalformed.
func readPDF(data []byte, limit int64) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw, err := io.ReadAll(io.LimitReader(plain, limit))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return capText(string(raw), limit), nil
}

func capText(s string, limit int64) string {
	if int64(len(s)) > limit {
		s = s[:limit]
		// drop a rune split by the cut
		for len(s) > 0 {
			r, size := utf8.DecodeLastRuneInString(s)
			if r != utf8.RuneError || size != 1 {
				break
			}
			s = s[:len(s)-1]
		}
	}
	return strings.TrimSpace(s)
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
