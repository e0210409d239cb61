package out

import (
	"context"

	"collabiq/core/domain"
)

// MailProvider defines the outbound port for fetching collaboration mail.
// Implementations must return messages strictly after the cursor, oldest
// first, so the daemon's cursor semantics hold.
type MailProvider interface {
	// FetchAfter returns up to limit messages received after the message
	// with afterMessageID. An empty cursor means fetch from the beginning.
	FetchAfter(ctx context.Context, afterMessageID string, limit int) ([]domain.EmailMessage, error)
}
