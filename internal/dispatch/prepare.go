package dispatch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"

	"message-orchestrator/internal/domain"
	"message-orchestrator/internal/retry"
)

func (d *Dispatcher) prepareText(_ context.Context, job Job) (prepared, error) {
	text := strings.TrimSpace(job.Message.Text)
	if text == "" {
		return prepared{}, reject(domain.ReasonUpstreamRejected, errors.New("dispatch: empty text message"))
	}
	return prepared{text: text}, nil
}

func (d *Dispatcher) prepareImage(ctx context.Context, job Job) (prepared, error) {
	media, err := d.fetch(ctx, job.Message, isImage)
	if err != nil {
		return prepared{}, err
	}
	text := d.cfg.ImagePrompt
	if caption := strings.TrimSpace(job.Message.Text); caption != "" {
		text = "Describe this image. " + caption
	}
	return prepared{text: text, image: &media}, nil
}

func (d *Dispatcher) prepareAudio(ctx context.Context, job Job) (prepared, error) {
	media, err := d.fetch(ctx, job.Message, isAudio)
	if err != nil {
		return prepared{}, err
	}
	var transcript string
	err = d.call(ctx, "transcribe", d.cfg.Timeouts.Transcribe, func(ctx context.Context) error {
		var err error
		transcript, err = d.deps.Transcriber.Transcribe(ctx, media)
		return err
	})
	if err != nil {
		return prepared{}, err
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return prepared{}, reject(domain.ReasonMediaInvalid, errors.New("dispatch: empty transcription"))
	}
	return prepared{text: transcript}, nil
}

func (d *Dispatcher) prepareDocument(ctx context.Context, job Job) (prepared, error) {
	media, err := d.fetch(ctx, job.Message, isDocument)
	if err != nil {
		return prepared{}, err
	}
	var extracted string
	err = d.call(ctx, "extract", d.cfg.Timeouts.Extract, func(ctx context.Context) error {
		var err error
		extracted, err = d.deps.Extractor.ExtractText(ctx, media)
		return err
	})
	if err != nil {
		if retry.Classify(err) == retry.ClassPermanent {
			return prepared{}, reject(domain.ReasonExtractionFailed, err)
		}
		return prepared{}, err
	}
	extracted = strings.TrimSpace(extracted)
	if extracted == "" {
		return prepared{}, reject(domain.ReasonExtractionFailed, errors.New("dispatch: no text extracted from document"))
	}

	text := documentPromptPrefix + truncateRunes(extracted, d.cfg.DocumentChars)
	if caption := strings.TrimSpace(job.Message.Text); caption != "" {
		text += "\n\n" + caption
	}
	return prepared{text: text}, nil
}

func (d *Dispatcher) prepareUnsupported(_ context.Context, job Job) (prepared, error) {
	return prepared{text: strings.TrimSpace(job.Message.Text), reply: d.cfg.UnsupportedReply}, nil
}

// fetch downloads the message media and validates its size and type.
func (d *Dispatcher) fetch(ctx context.Context, msg domain.InboundMessage, accept func(string) bool) (domain.Media, error) {
	if strings.TrimSpace(msg.MediaLocator) == "" {
		return domain.Media{}, reject(domain.ReasonMediaInvalid, errors.New("dispatch: missing media locator"))
	}
	var media domain.Media
	err := d.call(ctx, "fetch_media", d.cfg.Timeouts.Fetch, func(ctx context.Context) error {
		var err error
		media, err = d.deps.Fetcher.Fetch(ctx, msg.MediaLocator)
		return err
	})
	if err != nil {
		if retry.Classify(err) == retry.ClassPermanent {
			return domain.Media{}, reject(domain.ReasonMediaInvalid, err)
		}
		return domain.Media{}, err
	}

	if media.ContentType == "" {
		media.ContentType = msg.MediaContentType
	}
	switch {
	case len(media.Data) == 0:
		return domain.Media{}, reject(domain.ReasonMediaInvalid, errors.New("dispatch: media is empty"))
	case int64(len(media.Data)) > d.cfg.MaxMediaBytes:
		return domain.Media{}, reject(domain.ReasonMediaInvalid,
			fmt.Errorf("dispatch: media is %d bytes, limit %d", len(media.Data), d.cfg.MaxMediaBytes))
	case !accept(mediaType(media.ContentType)):
		return domain.Media{}, reject(domain.ReasonMediaInvalid,
			fmt.Errorf("dispatch: unexpected media type %q", media.ContentType))
	}
	return media, nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt
}

func isImage(mt string) bool { return strings.HasPrefix(mt, "image/") }

func isAudio(mt string) bool { return strings.HasPrefix(mt, "audio/") }

func isDocument(mt string) bool { return mt == "application/pdf" || mt == "text/plain" }

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
