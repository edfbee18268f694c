package domain

import (
	"encoding/json"
	"time"
)

// ContentPart is one segment of a multi-part message body.
type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps an inline image reference (a data URI in this surface).
type ImageURL struct {
	URL string `json:"url"`
}

// MessageContent is the composed body of an outgoing message. With an image
// attachment present it holds ordered parts (text first, image appended);
// otherwise it is a plain string. MarshalJSON emits whichever form applies,
// matching the wire union the messaging layer expects.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// Multipart reports whether the content carries ordered parts.
func (c MessageContent) Multipart() bool { return len(c.Parts) > 0 }

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Multipart() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts = parts
	c.Text = ""
	return nil
}

// ReleasedMessage is a composed message handed off to the messaging layer
// after any ingestion gating has settled.
type ReleasedMessage struct {
	SessionID      string
	ConversationID string
	Content        MessageContent
	Timestamp      time.Time
}

// DeliveredMessage is a response from the messaging layer routed back to
// the session that owns the conversation.
type DeliveredMessage struct {
	SessionID string
	Content   string
}

// MessageBus decouples the input surface from the messaging layer.
type MessageBus interface {
	Release(msg ReleasedMessage)
	Subscribe() <-chan ReleasedMessage
	Deliver(msg DeliveredMessage)
	OnDeliver(sessionID string, handler func(DeliveredMessage))
	Close()
}
