// Package dlq replays parked pipeline work from the dead-letter queue.
//
// Each operation type has its own replay procedure: workspace_write redoes
// the page call from the stored payload, llm_extract and mail_fetch rerun
// the pipeline through the daemon, secret_fetch probes the key. The
// .processed_ids index and per-entry locks keep replays idempotent; a
// completed entry is always a no-op.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
	"collabiq/pkg/resilience"
)

// Outcome of one replay attempt. Skipped means no attempt was made (lock
// held elsewhere, or the target service's breaker is open).
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeUpdated   Outcome = "updated" // transient failure, entry stays pending
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result is the per-entry outcome of a replay.
type Result struct {
	DLQID   string  `json:"dlq_id"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Summary aggregates a batch replay.
type Summary struct {
	Completed int `json:"completed"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// StatusCounts breaks one operation type down by entry status.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Replaying int `json:"replaying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Reprocessor reruns parked pipeline work that needs more than a single
// workspace call. The daemon controller implements it.
type Reprocessor interface {
	// ReplayExtract reruns extraction and everything downstream for one
	// parked email. A downstream park counts as success here; the work has
	// moved to a fresher entry.
	ReplayExtract(ctx context.Context, p domain.LLMExtractPayload) error

	// ReplayFetch refetches the message window after the stored cursor and
	// processes it.
	ReplayFetch(ctx context.Context, p domain.MailFetchPayload) error
}

// SecretProbe confirms a secret key is fetchable again.
type SecretProbe func(ctx context.Context, key string) error

type Replayer struct {
	store    out.DLQStore
	works    out.WorkspaceStore
	breakers *resilience.Registry
	repro    Reprocessor
	probe    SecretProbe
	log      zerolog.Logger

	now func() time.Time
}

// NewReplayer wires the replay procedures. repro and probe may be nil when
// the caller cannot rerun the pipeline; affected entries then fail with a
// reason instead of being attempted.
func NewReplayer(store out.DLQStore, works out.WorkspaceStore, breakers *resilience.Registry, repro Reprocessor, probe SecretProbe, log zerolog.Logger) *Replayer {
	return &Replayer{
		store:    store,
		works:    works,
		breakers: breakers,
		repro:    repro,
		probe:    probe,
		log:      log,
		now:      time.Now,
	}
}

// ReplayAll walks pending entries in modification-time order, oldest first.
func (r *Replayer) ReplayAll(ctx context.Context) (Summary, []Result, error) {
	entries, err := r.store.List(ctx, out.DLQFilter{Status: domain.DLQPending})
	if err != nil {
		return Summary{}, nil, fmt.Errorf("list pending dlq entries: %w", err)
	}

	var summary Summary
	results := make([]Result, 0, len(entries))
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return summary, results, ctx.Err()
		default:
		}
		result := r.ReplayOne(ctx, entry.DLQID)
		results = append(results, result)
		summary.add(result.Outcome)
	}

	r.log.Info().
		Str("component", "dlq_replayer").
		Str("operation", "replay_all").
		Dict("context", zerolog.Dict().
			Int("completed", summary.Completed).
			Int("updated", summary.Updated).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped)).
		Msg("batch replay finished")
	return summary, results, nil
}

// ReplayOne replays a single entry by id. Unlike the batch walk it also
// accepts entries already marked failed, so an operator can force a retry
// after fixing the cause.
func (r *Replayer) ReplayOne(ctx context.Context, dlqID string) Result {
	release, ok := r.store.TryLock(dlqID)
	if !ok {
		return Result{DLQID: dlqID, Outcome: OutcomeSkipped, Reason: "another replay holds the entry"}
	}
	defer release()

	entry, err := r.store.Get(ctx, dlqID)
	if err != nil {
		return Result{DLQID: dlqID, Outcome: OutcomeFailed, Reason: fmt.Sprintf("load entry: %v", err)}
	}

	processed, err := r.store.IsProcessed(ctx, dlqID)
	if err != nil {
		r.logWarn(entry, "replay", err, "processed index unreadable, replaying anyway")
	}
	if processed || entry.Processed || entry.Status == domain.DLQCompleted {
		// 완료된 항목 재생은 항상 no-op. 상태만 맞춰 놓는다.
		if entry.Status != domain.DLQCompleted {
			entry.Status = domain.DLQCompleted
			entry.Processed = true
			if err := r.store.Update(ctx, entry); err != nil {
				r.logWarn(entry, "replay", err, "status repair failed")
			}
		}
		return Result{DLQID: dlqID, Outcome: OutcomeCompleted, Reason: "already processed"}
	}

	if service := serviceOf(entry.OperationType); service != "" {
		if b := r.breakers.Get(service); !b.Allow() {
			return Result{DLQID: dlqID, Outcome: OutcomeSkipped, Reason: "circuit open for " + service}
		}
	}

	entry.Status = domain.DLQReplaying
	entry.LastAttemptAt = r.now()
	if err := r.store.Update(ctx, entry); err != nil {
		r.logWarn(entry, "replay", err, "replaying status persist failed")
	}

	replayErr := r.dispatch(ctx, entry)
	return r.conclude(ctx, entry, replayErr)
}

// Counts aggregates every entry by operation type and status, for the
// status surfaces.
func (r *Replayer) Counts(ctx context.Context) (map[domain.OperationType]StatusCounts, error) {
	entries, err := r.store.List(ctx, out.DLQFilter{})
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}

	counts := make(map[domain.OperationType]StatusCounts)
	for _, entry := range entries {
		c := counts[entry.OperationType]
		switch entry.Status {
		case domain.DLQPending:
			c.Pending++
		case domain.DLQReplaying:
			c.Replaying++
		case domain.DLQCompleted:
			c.Completed++
		case domain.DLQFailed:
			c.Failed++
		}
		counts[entry.OperationType] = c
	}
	return counts, nil
}

func (r *Replayer) dispatch(ctx context.Context, entry *domain.DLQEntry) error {
	switch entry.OperationType {
	case domain.OpWorkspaceWrite:
		return r.replayWorkspaceWrite(ctx, entry)
	case domain.OpLLMExtract:
		if r.repro == nil {
			return apperr.New(apperr.CodeConfigError, apperr.CategoryPermanent, "no pipeline wired for llm_extract replay")
		}
		var payload domain.LLMExtractPayload
		if err := json.Unmarshal(entry.OriginalPayload, &payload); err != nil {
			return apperr.Wrap(err, apperr.CodeValidationFailed, apperr.CategoryPermanent, "llm_extract payload unreadable")
		}
		return r.repro.ReplayExtract(ctx, payload)
	case domain.OpMailFetch:
		if r.repro == nil {
			return apperr.New(apperr.CodeConfigError, apperr.CategoryPermanent, "no pipeline wired for mail_fetch replay")
		}
		var payload domain.MailFetchPayload
		if err := json.Unmarshal(entry.OriginalPayload, &payload); err != nil {
			return apperr.Wrap(err, apperr.CodeValidationFailed, apperr.CategoryPermanent, "mail_fetch payload unreadable")
		}
		return r.repro.ReplayFetch(ctx, payload)
	case domain.OpSecretFetch:
		if r.probe == nil {
			return apperr.New(apperr.CodeConfigError, apperr.CategoryPermanent, "no secret probe wired for secret_fetch replay")
		}
		var payload domain.SecretFetchPayload
		if err := json.Unmarshal(entry.OriginalPayload, &payload); err != nil {
			return apperr.Wrap(err, apperr.CodeValidationFailed, apperr.CategoryPermanent, "secret_fetch payload unreadable")
		}
		return r.probe(ctx, payload.Key)
	default:
		return apperr.New(apperr.CodeValidationFailed, apperr.CategoryPermanent, fmt.Sprintf("unknown operation type %q", entry.OperationType))
	}
}

// replayWorkspaceWrite redoes the page call from the stored payload: update
// when the original was an update, otherwise create, guarded by a duplicate
// check so a crash between create and index update cannot double-write.
func (r *Replayer) replayWorkspaceWrite(ctx context.Context, entry *domain.DLQEntry) error {
	var payload domain.WorkspaceWritePayload
	if err := json.Unmarshal(entry.OriginalPayload, &payload); err != nil {
		return apperr.Wrap(err, apperr.CodeValidationFailed, apperr.CategoryPermanent, "workspace_write payload unreadable")
	}
	if payload.MessageID == "" {
		return apperr.ValidationFailed("message_id", "missing from payload")
	}

	breaker := r.breakers.Get(resilience.ServiceWorkspace)

	if payload.PageID != "" {
		_, err := resilience.Execute(ctx, breaker, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.works.UpdateEntry(ctx, payload.PageID, payload.Properties)
		})
		return err
	}

	pageID, found, err := r.works.FindEntryByMessageID(ctx, payload.MessageID)
	if err != nil {
		r.logWarn(entry, "duplicate_check", err, "duplicate check failed, proceeding with create")
	} else if found {
		r.log.Info().
			Str("component", "dlq_replayer").
			Str("operation", "replay").
			Str("email_id", payload.MessageID).
			Dict("context", zerolog.Dict().Str("page_id", pageID)).
			Msg("row already exists, replay is a no-op")
		return nil
	}

	_, err = resilience.Execute(ctx, breaker, func(ctx context.Context) (string, error) {
		return r.works.CreateEntry(ctx, payload.Properties)
	})
	return err
}

// conclude moves the entry to its post-attempt state. Success marks the
// processed index first, then the entry; a crash in between is repaired by
// the already-processed branch of the next replay.
func (r *Replayer) conclude(ctx context.Context, entry *domain.DLQEntry, replayErr error) Result {
	now := r.now()
	entry.LastAttemptAt = now

	if replayErr == nil {
		if err := r.store.MarkProcessed(ctx, entry.DLQID); err != nil {
			r.logWarn(entry, "replay", err, "processed index update failed")
		}
		entry.Status = domain.DLQCompleted
		entry.Processed = true
		entry.ReplayedAt = &now
		if err := r.store.Update(ctx, entry); err != nil {
			r.logWarn(entry, "replay", err, "completed status persist failed")
		}
		r.log.Info().
			Str("component", "dlq_replayer").
			Str("operation", "replay").
			Str("email_id", entry.MessageID).
			Dict("context", zerolog.Dict().Str("dlq_id", entry.DLQID)).
			Msg("entry replayed")
		return Result{DLQID: entry.DLQID, Outcome: OutcomeCompleted}
	}

	entry.ErrorDetails.Message = replayErr.Error()
	entry.ErrorDetails.Type = apperr.CategoryOf(replayErr).String()
	entry.ErrorDetails.RetryCount++

	if apperr.IsTransient(replayErr) {
		entry.Status = domain.DLQPending
		if err := r.store.Update(ctx, entry); err != nil {
			r.logWarn(entry, "replay", err, "pending status persist failed")
		}
		r.logWarn(entry, "replay", replayErr, "replay failed transiently, entry stays pending")
		return Result{DLQID: entry.DLQID, Outcome: OutcomeUpdated, Reason: replayErr.Error()}
	}

	entry.Status = domain.DLQFailed
	if err := r.store.Update(ctx, entry); err != nil {
		r.logWarn(entry, "replay", err, "failed status persist failed")
	}
	r.log.Error().
		Str("component", "dlq_replayer").
		Str("operation", "replay").
		Str("email_id", entry.MessageID).
		Str("category", entry.ErrorDetails.Type).
		Dict("context", zerolog.Dict().Str("dlq_id", entry.DLQID)).
		Err(replayErr).
		Msg("replay failed, manual intervention required")
	return Result{DLQID: entry.DLQID, Outcome: OutcomeFailed, Reason: replayErr.Error()}
}

// serviceOf maps an operation type to the breaker guarding its target.
// llm_extract has no single service; the orchestrator owns the per-provider
// breakers.
func serviceOf(op domain.OperationType) string {
	switch op {
	case domain.OpWorkspaceWrite:
		return resilience.ServiceWorkspace
	case domain.OpMailFetch:
		return resilience.ServiceMail
	case domain.OpSecretFetch:
		return resilience.ServiceSecrets
	default:
		return ""
	}
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeCompleted:
		s.Completed++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

func (r *Replayer) logWarn(entry *domain.DLQEntry, operation string, err error, msg string) {
	r.log.Warn().
		Str("component", "dlq_replayer").
		Str("operation", operation).
		Str("email_id", entry.MessageID).
		Dict("context", zerolog.Dict().Str("dlq_id", entry.DLQID)).
		Err(err).
		Msg(msg)
}
