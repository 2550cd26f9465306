package usecase

import (
	"strings"
)

const defaultSystemPrompt = "You are a helpful assistant that answers questions over WhatsApp."

// buildSystemPrompt combines the configured assistant prompt with the
// channel rules and, when known, the sender's display name.
func buildSystemPrompt(base, senderName string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultSystemPrompt
	}
	parts := []string{
		base,
		"",
		"Channel Rules:",
		channelRules(),
	}
	if name := normalizePromptInput(senderName); name != "" {
		parts = append(parts, "", "The user's display name is "+name+".")
	}
	return strings.Join(parts, "\n")
}

func channelRules() string {
	return strings.Join([]string{
		"1) Reply in plain text; WhatsApp does not render Markdown headings or tables.",
		"2) Keep replies short enough to read on a phone.",
		"3) Reply in the language the user wrote in.",
		"4) Messages that start with \"Describe this image\" or \"Summarize this document\" refer to an attachment the user sent.",
	}, "\n")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
