package mail

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

// MaildropAdapter reads messages from a local directory of JSON files, one
// message per file. It exists for development and pipeline tests: drop a
// file in, the next cycle picks it up. Ordering is deterministic so the
// cursor semantics match the real provider.
type MaildropAdapter struct {
	dir string
	log zerolog.Logger
}

func NewMaildropAdapter(dir string, log zerolog.Logger) *MaildropAdapter {
	return &MaildropAdapter{dir: dir, log: log}
}

// FetchAfter returns messages strictly after the cursor, oldest first.
func (a *MaildropAdapter) FetchAfter(ctx context.Context, afterMessageID string, limit int) ([]domain.EmailMessage, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.ConnectionFailed(serviceMail, err)
	}

	var messages []domain.EmailMessage
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(a.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			a.log.Warn().
				Str("component", "maildrop").
				Str("operation", "fetch_after").
				Str("file", entry.Name()).
				Err(err).
				Msg("unreadable maildrop file skipped")
			continue
		}

		var msg domain.EmailMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.MessageID == "" {
			a.log.Warn().
				Str("component", "maildrop").
				Str("operation", "fetch_after").
				Str("file", entry.Name()).
				Msg("malformed maildrop file skipped")
			continue
		}
		messages = append(messages, msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].ReceivedAt.Equal(messages[j].ReceivedAt) {
			return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
		}
		return messages[i].MessageID < messages[j].MessageID
	})

	if afterMessageID != "" {
		cut := -1
		for i, m := range messages {
			if m.MessageID == afterMessageID {
				cut = i
				break
			}
		}
		if cut >= 0 {
			messages = messages[cut+1:]
		}
		// 커서를 찾지 못하면 전체를 반환한다. 중복은 쓰기 단계에서 걸러진다.
	}

	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

var _ out.MailProvider = (*MaildropAdapter)(nil)
