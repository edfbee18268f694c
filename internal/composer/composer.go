// Package composer assembles the final outgoing message payload and
// decides when sending is permitted.
package composer

import (
	"strings"

	"chatsurface/internal/domain"
)

// Compose builds the outgoing message body from the current text and the
// optional attachment. With an image attachment present the body is an
// ordered pair: text segment first, image segment appended after it.
// Documents contribute nothing to the body; their content lives server-side.
func Compose(text string, att *domain.Attachment) domain.MessageContent {
	if att == nil || att.Kind != domain.AttachmentImage || att.Payload == "" {
		return domain.MessageContent{Text: text}
	}
	return domain.MessageContent{
		Parts: []domain.ContentPart{
			{Type: "text", Text: text},
			{Type: "image_url", ImageURL: &domain.ImageURL{URL: att.Payload}},
		},
	}
}

// CanSend gates the send affordance. A present document attachment does
// not gate sending by itself; indexing is awaited asynchronously.
func CanSend(text string, disabled bool) bool {
	return !disabled && strings.TrimSpace(text) != ""
}
