package domain

import "time"

// EmailMessage is the immutable input of one pipeline run. The receiver has
// already cleaned the body; message IDs are opaque strings from the mail
// provider and never parsed.
type EmailMessage struct {
	MessageID  string    `json:"message_id"`
	BodyText   string    `json:"body_text"`
	ReceivedAt time.Time `json:"received_at"`
}

// IsEmpty reports whether there is anything to extract from.
func (e EmailMessage) IsEmpty() bool {
	return e.BodyText == ""
}
