// Package write lands mapped collaboration entries in the workspace.
//
// The writer owns the last pipeline step of a cycle: duplicate resolution
// by message_id, the guarded create (or in-place update), and parking the
// payload in the DLQ on terminal failure. A successful park concludes the
// cycle step; the email is parked, not lost, and the cursor may advance.
package write

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/mapping"
	"collabiq/pkg/apperr"
	"collabiq/pkg/resilience"
	"collabiq/pkg/retry"
)

// ErrParkFailed marks a write failure whose payload also failed to reach
// the DLQ. The caller must not advance the cursor past the message.
var ErrParkFailed = errors.New("dlq park failed")

type Writer struct {
	store    out.WorkspaceStore
	dlq      out.DLQStore
	mapper   *mapping.Mapper
	breakers *resilience.Registry
	behavior domain.DuplicateBehavior
	log      zerolog.Logger

	policy retry.Policy
	now    func() time.Time
}

// NewWriter wires the writer. An unrecognized duplicate behavior falls back
// to skip, the non-destructive choice.
func NewWriter(store out.WorkspaceStore, dlq out.DLQStore, mapper *mapping.Mapper, breakers *resilience.Registry, behavior domain.DuplicateBehavior, log zerolog.Logger) *Writer {
	if behavior != domain.DuplicateUpdate {
		behavior = domain.DuplicateSkip
	}
	return &Writer{
		store:    store,
		dlq:      dlq,
		mapper:   mapper,
		breakers: breakers,
		behavior: behavior,
		log:      log,
		policy:   retry.WorkspacePolicy(),
		now:      time.Now,
	}
}

// Write resolves duplicates, maps the payload and creates the page.
//
// The returned error is reserved for failures that must block the cursor:
// invalid input before any workspace call, and a DLQ that cannot accept the
// parked payload. Workspace failures never surface as errors; they come
// back as a parked result once the DLQ holds the payload.
func (w *Writer) Write(ctx context.Context, in mapping.Input) (*domain.WriteResult, error) {
	if in.MessageID == "" {
		return nil, apperr.ValidationFailed("message_id", "required")
	}

	pageID, found, err := w.store.FindEntryByMessageID(ctx, in.MessageID)
	if err != nil {
		// 중복 검사 실패는 쓰기를 막지 않는다. 최악의 경우 중복 행 하나다.
		w.log.Warn().
			Str("component", "writer").
			Str("operation", "duplicate_check").
			Str("email_id", in.MessageID).
			Err(err).
			Msg("duplicate check failed, proceeding with create")
		found = false
	}

	if found && w.behavior == domain.DuplicateSkip {
		w.log.Info().
			Str("component", "writer").
			Str("operation", "duplicate_check").
			Str("email_id", in.MessageID).
			Dict("context", zerolog.Dict().Str("page_id", pageID)).
			Msg("duplicate found, skipping")
		return &domain.WriteResult{PageID: pageID, Status: domain.WriteSkipped}, nil
	}

	props, err := w.mapper.Map(in)
	if err != nil {
		return nil, err
	}

	if found {
		return w.update(ctx, in.MessageID, pageID, props)
	}
	return w.create(ctx, in.MessageID, props)
}

func (w *Writer) create(ctx context.Context, messageID string, props map[string]any) (*domain.WriteResult, error) {
	breaker := w.breakers.Get(resilience.ServiceWorkspace)
	if !breaker.Allow() {
		return w.park(ctx, messageID, "", props, apperr.CircuitOpen(resilience.ServiceWorkspace), 0)
	}

	pageID, retries, err := retry.Do(ctx, resilience.ServiceWorkspace, w.policy, w.log,
		func(ctx context.Context) (string, error) {
			return resilience.Execute(ctx, breaker, func(ctx context.Context) (string, error) {
				return w.store.CreateEntry(ctx, props)
			})
		})
	if err != nil {
		return w.park(ctx, messageID, "", props, err, retries)
	}

	w.log.Info().
		Str("component", "writer").
		Str("operation", "create").
		Str("email_id", messageID).
		Int("retry_count", retries).
		Dict("context", zerolog.Dict().Str("page_id", pageID)).
		Msg("entry created")
	return &domain.WriteResult{PageID: pageID, Status: domain.WriteCreated}, nil
}

func (w *Writer) update(ctx context.Context, messageID, pageID string, props map[string]any) (*domain.WriteResult, error) {
	breaker := w.breakers.Get(resilience.ServiceWorkspace)
	if !breaker.Allow() {
		return w.park(ctx, messageID, pageID, props, apperr.CircuitOpen(resilience.ServiceWorkspace), 0)
	}

	_, retries, err := retry.Do(ctx, resilience.ServiceWorkspace, w.policy, w.log,
		func(ctx context.Context) (struct{}, error) {
			return resilience.Execute(ctx, breaker, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, w.store.UpdateEntry(ctx, pageID, props)
			})
		})
	if err != nil {
		return w.park(ctx, messageID, pageID, props, err, retries)
	}

	w.log.Info().
		Str("component", "writer").
		Str("operation", "update").
		Str("email_id", messageID).
		Int("retry_count", retries).
		Dict("context", zerolog.Dict().Str("page_id", pageID)).
		Msg("duplicate updated in place")
	return &domain.WriteResult{PageID: pageID, Status: domain.WriteUpdated}, nil
}

// park writes the failed payload to the DLQ. Only a failed park returns an
// error; a parked entry is a terminal state for the cycle step.
func (w *Writer) park(ctx context.Context, messageID, pageID string, props map[string]any, callErr error, retries int) (*domain.WriteResult, error) {
	payload, err := json.Marshal(domain.WorkspaceWritePayload{
		MessageID:  messageID,
		PageID:     pageID,
		Properties: props,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidationFailed, apperr.CategoryPermanent, "dlq payload not serializable")
	}

	now := w.now()
	entry := &domain.DLQEntry{
		DLQID:           domain.NewDLQID(now, messageID),
		MessageID:       messageID,
		OperationType:   domain.OpWorkspaceWrite,
		Status:          domain.DLQPending,
		OriginalPayload: payload,
		ErrorDetails: domain.DLQErrorDetails{
			Type:       apperr.CategoryOf(callErr).String(),
			Message:    callErr.Error(),
			RetryCount: retries,
		},
		CreatedAt:     now,
		LastAttemptAt: now,
	}
	if saveErr := w.dlq.Save(ctx, entry); saveErr != nil {
		w.log.Error().
			Str("component", "writer").
			Str("operation", "dlq_park").
			Str("email_id", messageID).
			Err(saveErr).
			Msg("dlq save failed after workspace failure, cursor must not advance")
		return nil, fmt.Errorf("%w for %s: %v", ErrParkFailed, messageID, saveErr)
	}

	w.log.Warn().
		Str("component", "writer").
		Str("operation", "dlq_park").
		Str("email_id", messageID).
		Str("category", apperr.CategoryOf(callErr).String()).
		Int("retry_count", retries).
		Str("circuit_state", w.breakers.Get(resilience.ServiceWorkspace).State()).
		Dict("context", zerolog.Dict().Str("dlq_id", entry.DLQID)).
		Err(callErr).
		Msg("workspace write parked to dlq")
	return &domain.WriteResult{Status: domain.WriteParked, DLQID: entry.DLQID}, nil
}
