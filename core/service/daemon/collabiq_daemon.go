// Package daemon runs the unattended processing loop.
//
// One controller owns the cycle: fetch mail after the cursor, run each
// message through extraction, matching, classification and the write, then
// persist the cursor atomically. Messages are processed strictly in order;
// provider fan-out inside the orchestrator is the only intra-cycle
// concurrency. The cursor advances past a message only once its step
// concluded: workspace success, deliberate skip, or a successful DLQ park.
package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/classify"
	"collabiq/core/service/extract"
	"collabiq/core/service/health"
	"collabiq/core/service/mapping"
	"collabiq/core/service/match"
	"collabiq/core/service/write"
	"collabiq/pkg/apperr"
	"collabiq/pkg/logger"
	"collabiq/pkg/retry"
)

const (
	DefaultCycleInterval = 5 * time.Minute
	DefaultFetchLimit    = 50

	// First signal drains the in-flight email for this long before the
	// second stage cuts it off. Keeps graceful exit under the 10s target
	// even when a consensus gather is mid-air.
	DefaultShutdownGrace = 8 * time.Second
)

// Config is the loop tuning. Zero values fall back to defaults, except
// AutoCreateCompanies which the config loader decides.
type Config struct {
	CycleInterval       time.Duration
	FetchLimit          int
	Strategy            domain.Strategy
	AutoCreateCompanies bool
	ShutdownGrace       time.Duration
}

func (c *Config) applyDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = DefaultCycleInterval
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Deps bundles the pipeline services the controller drives.
type Deps struct {
	Mail         out.MailProvider
	Orchestrator *extract.Orchestrator
	Companies    *match.CompanyMatcher
	People       *match.PersonMatcher
	Classifier   *classify.Classifier
	Summarizer   *classify.Summarizer
	Writer       *write.Writer
	DLQ          out.DLQStore
	State        out.StateStore
	Tracker      *health.Tracker
}

type Controller struct {
	cfg          Config
	mail         out.MailProvider
	orchestrator *extract.Orchestrator
	companies    *match.CompanyMatcher
	people       *match.PersonMatcher
	classifier   *classify.Classifier
	summarizer   *classify.Summarizer
	writer       *write.Writer
	dlq          out.DLQStore
	state        out.StateStore
	tracker      *health.Tracker
	log          zerolog.Logger

	now func() time.Time
}

func NewController(cfg Config, deps Deps, log zerolog.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:          cfg,
		mail:         deps.Mail,
		orchestrator: deps.Orchestrator,
		companies:    deps.Companies,
		people:       deps.People,
		classifier:   deps.Classifier,
		summarizer:   deps.Summarizer,
		writer:       deps.Writer,
		dlq:          deps.DLQ,
		state:        deps.State,
		tracker:      deps.Tracker,
		log:          log,
		now:          time.Now,
	}
}

// === 실행 루프 ===

// Run loops until a shutdown signal or ctx cancellation. The first signal
// finishes the current email and persists state; a second signal forces
// exit and leaves the in-flight email for reprocessing, which duplicate
// detection makes safe.
func (c *Controller) Run(ctx context.Context) error {
	state := c.loadState(ctx)
	if state.CrashDetected() {
		c.log.Warn().
			Str("component", "daemon").
			Str("operation", "startup").
			Dict("context", zerolog.Dict().
				Str("previous_status", string(state.CurrentStatus)).
				Str("cursor", state.LastProcessedMessageID)).
			Msg("previous run ended uncleanly, cursor remains authoritative")
	}
	state.CurrentStatus = domain.DaemonRunning
	state.PID = os.Getpid()
	state.CycleIntervalMS = c.cfg.CycleInterval.Milliseconds()
	c.persistState(ctx, state)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// procCtx는 첫 신호에서 살아남는다. 두 번째 신호나 유예 초과에서만 취소.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()
	stopCh := make(chan struct{})

	go func() {
		select {
		case <-procCtx.Done():
			return
		case sig := <-sigCh:
			c.log.Info().
				Str("component", "daemon").
				Str("operation", "shutdown").
				Dict("context", zerolog.Dict().Str("signal", sig.String())).
				Msg("shutdown signal received, finishing current email")
			close(stopCh)
		case <-ctx.Done():
			close(stopCh)
		}
		select {
		case <-procCtx.Done():
		case <-sigCh:
			c.log.Warn().
				Str("component", "daemon").
				Str("operation", "shutdown").
				Msg("second signal, forcing exit")
			cancelProc()
		case <-time.After(c.cfg.ShutdownGrace):
			cancelProc()
		}
	}()

	c.log.Info().
		Str("component", "daemon").
		Str("operation", "startup").
		Dict("context", zerolog.Dict().
			Dur("interval", c.cfg.CycleInterval).
			Str("strategy", string(c.cfg.Strategy))).
		Msg("daemon started")

	ticker := time.NewTicker(c.cfg.CycleInterval)
	defer ticker.Stop()

	// 기동 직후 1회 즉시 실행
	c.runCycle(procCtx, stopCh)
	for {
		select {
		case <-stopCh:
			return c.shutdown(procCtx)
		case <-ticker.C:
			c.runCycle(procCtx, stopCh)
		}
	}
}

// RunOnce executes a single cycle and returns. Used by the CLI without
// --daemon.
func (c *Controller) RunOnce(ctx context.Context) error {
	state := c.loadState(ctx)
	if state.CrashDetected() {
		c.log.Warn().
			Str("component", "daemon").
			Str("operation", "startup").
			Msg("previous run ended uncleanly, cursor remains authoritative")
	}
	state.CurrentStatus = domain.DaemonRunning
	state.PID = os.Getpid()
	c.persistState(ctx, state)

	c.runCycle(ctx, nil)

	state = c.loadState(ctx)
	state.CurrentStatus = domain.DaemonStopped
	c.persistState(ctx, state)
	return nil
}

func (c *Controller) shutdown(ctx context.Context) error {
	// 마지막 저장은 취소된 컨텍스트에서도 돌게 한다
	ctx = context.WithoutCancel(ctx)

	state := c.loadState(ctx)
	state.CurrentStatus = domain.DaemonStopping
	c.persistState(ctx, state)

	c.tracker.Persist(ctx)

	state.CurrentStatus = domain.DaemonStopped
	c.persistState(ctx, state)
	c.log.Info().
		Str("component", "daemon").
		Str("operation", "shutdown").
		Msg("daemon stopped")
	return nil
}

// === 사이클 ===

type cycleStats struct {
	fetched int
	created int
	updated int
	skipped int
	parked  int
	blocked int
}

func (s *cycleStats) count(outcome string) {
	switch outcome {
	case string(domain.WriteCreated):
		s.created++
	case string(domain.WriteUpdated):
		s.updated++
	case string(domain.WriteSkipped):
		s.skipped++
	case string(domain.WriteParked):
		s.parked++
	}
}

func (c *Controller) runCycle(ctx context.Context, stop <-chan struct{}) {
	start := c.now()
	state := c.loadState(ctx)

	msgs, err := c.mail.FetchAfter(ctx, state.LastProcessedMessageID, c.cfg.FetchLimit)
	if err != nil {
		c.handleFetchFailure(ctx, state.LastProcessedMessageID, err)
		state.ErrorCount++
		state.LastCycleAt = start
		c.persistState(ctx, state)
		return
	}

	var stats cycleStats
	stats.fetched = len(msgs)
	interrupted := false

loop:
	for _, msg := range msgs {
		select {
		case <-stop:
			// 신호 이후에는 새 메일을 시작하지 않는다
			interrupted = true
			break loop
		default:
		}

		outcome, concluded := c.processOne(ctx, msg)
		if !concluded {
			stats.blocked++
			if ctx.Err() == nil {
				state.ErrorCount++
			}
			break
		}
		state.LastProcessedMessageID = msg.MessageID
		state.EmailsProcessed++
		stats.count(outcome)
	}

	if !interrupted {
		state.CyclesCompleted++
	}
	state.LastCycleAt = start
	state.CurrentStatus = domain.DaemonRunning
	c.persistState(ctx, state)
	c.tracker.Persist(ctx)

	c.log.Info().
		Str("component", "daemon").
		Str("operation", "cycle").
		Dict("context", zerolog.Dict().
			Int("fetched", stats.fetched).
			Int("created", stats.created).
			Int("updated", stats.updated).
			Int("skipped", stats.skipped).
			Int("parked", stats.parked).
			Int("blocked", stats.blocked).
			Str("cursor", state.LastProcessedMessageID).
			Dur("took", c.now().Sub(start))).
		Msg("cycle complete")
}

// processOne runs steps a-e for one message. concluded=false leaves the
// cursor on the previous message; the cycle stops there and the next one
// retries.
func (c *Controller) processOne(ctx context.Context, msg domain.EmailMessage) (outcome string, concluded bool) {
	if msg.IsEmpty() {
		c.log.Warn().
			Str("component", "daemon").
			Str("operation", "process").
			Str("email_id", msg.MessageID).
			Msg("empty body, skipping")
		return "skipped", true
	}

	result, entities, err := c.pipeline(ctx, msg, c.cfg.Strategy)
	switch {
	case err == nil:
		c.log.Info().
			Str("component", "daemon").
			Str("operation", "process").
			Str("email_id", msg.MessageID).
			Dict("context", zerolog.Dict().
				Str("status", string(result.Status)).
				Str("page_id", result.PageID).
				Str("provider", entities.ProviderName).
				Str("strategy", string(entities.Strategy)).
				Float64("confidence", entities.MeanConfidence())).
			Msg("email processed")
		return string(result.Status), true

	case ctx.Err() != nil:
		// 강제 종료 중. 커서를 남겨 다음 기동에서 재처리한다.
		return "aborted", false

	case entities == nil:
		// 추출 실패. llm_extract로 파킹하고 다음 메일로 넘어간다.
		if parkErr := c.parkExtract(ctx, msg, err); parkErr != nil {
			c.log.Error().
				Str("component", "daemon").
				Str("operation", "extract").
				Str("email_id", msg.MessageID).
				Err(parkErr).
				Msg("extract park failed, cursor blocked")
			return "error", false
		}
		return "parked", true

	case errors.Is(err, write.ErrParkFailed):
		return "error", false

	case apperr.IsPermanent(err):
		// 쓰기 전 검증 실패. 재시도가 무의미하므로 기록만 남기고 건너뛴다.
		c.log.Error().
			Str("component", "daemon").
			Str("operation", "process").
			Str("email_id", msg.MessageID).
			Str("category", apperr.CategoryOf(err).String()).
			Err(err).
			Msg("unwritable message skipped")
		return "skipped", true

	default:
		c.log.Error().
			Str("component", "daemon").
			Str("operation", "process").
			Str("email_id", msg.MessageID).
			Err(err).
			Msg("write step failed without dlq entry, cursor blocked")
		return "error", false
	}
}

// pipeline runs extraction through the write for one message. A nil
// entities return means extraction itself failed.
func (c *Controller) pipeline(ctx context.Context, msg domain.EmailMessage, strategy domain.Strategy) (*domain.WriteResult, *domain.ExtractedEntities, error) {
	entities, err := c.orchestrator.Extract(ctx, out.ExtractionInput{
		BodyText:   msg.BodyText,
		ReceivedAt: msg.ReceivedAt,
	}, strategy)
	if err != nil {
		return nil, nil, err
	}

	company := c.matchCompany(ctx, msg.MessageID, entities.CompanyName)
	partner := c.matchCompany(ctx, msg.MessageID, entities.PartnerOrg)
	person := c.matchPerson(ctx, msg.MessageID, entities.PersonInCharge)

	classification := c.classifier.Classify(ctx, entities, company, partner)
	summary := c.summarizer.Summarize(ctx, msg.BodyText, entities)

	result, err := c.writer.Write(ctx, mapping.Input{
		MessageID:      msg.MessageID,
		Entities:       entities,
		Classification: classification,
		Summary:        summary,
		Company:        company,
		Partner:        partner,
		Person:         person,
	})
	if err != nil {
		c.tracker.RecordQuality(ctx, entities.ProviderName, entities, false)
		return nil, entities, err
	}

	c.tracker.RecordQuality(ctx, entities.ProviderName, entities, true)
	c.tracker.RecordEmailProcessed(ctx, entities.ProviderName)
	return result, entities, nil
}

func (c *Controller) matchCompany(ctx context.Context, emailID string, name *string) domain.CompanyMatch {
	none := domain.CompanyMatch{MatchType: domain.MatchNone, ConfidenceLevel: domain.ConfidenceNone}
	if name == nil {
		return none
	}
	m, err := c.companies.Match(ctx, *name, c.cfg.AutoCreateCompanies)
	if err != nil {
		// 매칭 실패는 관계 없이 쓰도록 강등한다
		c.log.Warn().
			Str("component", "daemon").
			Str("operation", "match").
			Str("email_id", emailID).
			Dict("context", zerolog.Dict().Str("name", *name)).
			Err(err).
			Msg("company match degraded to none")
		return none
	}
	return m
}

func (c *Controller) matchPerson(ctx context.Context, emailID string, name *string) domain.PersonMatch {
	none := domain.PersonMatch{MatchType: domain.MatchNone, ConfidenceLevel: domain.ConfidenceNone}
	if name == nil {
		return none
	}
	m, err := c.people.Match(ctx, *name)
	if err != nil {
		c.log.Warn().
			Str("component", "daemon").
			Str("operation", "match").
			Str("email_id", emailID).
			Dict("context", zerolog.Dict().Str("name", *name)).
			Err(err).
			Msg("person match degraded to none")
		return none
	}
	return m
}

// === DLQ 파킹 ===

func (c *Controller) parkExtract(ctx context.Context, msg domain.EmailMessage, callErr error) error {
	payload, err := json.Marshal(domain.LLMExtractPayload{
		MessageID:  msg.MessageID,
		BodyText:   msg.BodyText,
		ReceivedAt: msg.ReceivedAt,
		Strategy:   string(c.cfg.Strategy),
	})
	if err != nil {
		return err
	}

	retries := 0
	if ex, ok := retry.AsExhausted(callErr); ok {
		retries = len(ex.History) - 1
	}

	now := c.now()
	entry := &domain.DLQEntry{
		DLQID:           domain.NewDLQID(now, msg.MessageID),
		MessageID:       msg.MessageID,
		OperationType:   domain.OpLLMExtract,
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
	if err := c.dlq.Save(ctx, entry); err != nil {
		return err
	}

	c.log.Error().
		Str("component", "daemon").
		Str("operation", "extract").
		Str("email_id", msg.MessageID).
		Str("category", apperr.CategoryOf(callErr).String()).
		Int("retry_count", retries).
		Dict("context", zerolog.Dict().Str("dlq_id", entry.DLQID)).
		Err(callErr).
		Msg("extraction failed, parked to dlq")
	return nil
}

func (c *Controller) handleFetchFailure(ctx context.Context, cursor string, err error) {
	if apperr.IsTransient(err) {
		c.log.Warn().
			Str("component", "daemon").
			Str("operation", "mail_fetch").
			Str("category", "TRANSIENT").
			Err(err).
			Msg("mail fetch failed, retrying next cycle")
		return
	}

	payload, merr := json.Marshal(domain.MailFetchPayload{AfterMessageID: cursor})
	if merr == nil {
		now := c.now()
		entry := &domain.DLQEntry{
			DLQID:           domain.NewDLQID(now, "fetch"),
			OperationType:   domain.OpMailFetch,
			Status:          domain.DLQPending,
			OriginalPayload: payload,
			ErrorDetails: domain.DLQErrorDetails{
				Type:    apperr.CategoryOf(err).String(),
				Message: err.Error(),
			},
			CreatedAt:     now,
			LastAttemptAt: now,
		}
		if saveErr := c.dlq.Save(ctx, entry); saveErr != nil {
			c.log.Error().
				Str("component", "daemon").
				Str("operation", "mail_fetch").
				Err(saveErr).
				Msg("mail_fetch park failed")
		}
	}

	if apperr.IsCritical(err) {
		logger.Critical(c.log).
			Str("component", "daemon").
			Str("operation", "mail_fetch").
			Str("category", "CRITICAL").
			Err(err).
			Msg("mail fetch auth failure")
		return
	}
	c.log.Error().
		Str("component", "daemon").
		Str("operation", "mail_fetch").
		Str("category", apperr.CategoryOf(err).String()).
		Err(err).
		Msg("mail fetch failed terminally, parked")
}

// === DLQ 재생 (dlq.Reprocessor) ===

// ReplayExtract reruns the pipeline for a parked email. A write-side park
// is success here; the work moved to a fresher workspace_write entry.
func (c *Controller) ReplayExtract(ctx context.Context, p domain.LLMExtractPayload) error {
	strategy := c.cfg.Strategy
	if p.Strategy != "" {
		if s, ok := domain.ParseStrategy(p.Strategy); ok {
			strategy = s
		}
	}
	msg := domain.EmailMessage{MessageID: p.MessageID, BodyText: p.BodyText, ReceivedAt: p.ReceivedAt}
	_, _, err := c.pipeline(ctx, msg, strategy)
	return err
}

// ReplayFetch refetches the window after the stored cursor and processes
// it. The daemon cursor is untouched; duplicate detection absorbs the
// overlap with regular cycles.
func (c *Controller) ReplayFetch(ctx context.Context, p domain.MailFetchPayload) error {
	msgs, err := c.mail.FetchAfter(ctx, p.AfterMessageID, c.cfg.FetchLimit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.IsEmpty() {
			continue
		}
		if _, _, err := c.pipeline(ctx, msg, c.cfg.Strategy); err != nil {
			return err
		}
	}
	return nil
}

// === 상태 저장 ===

func (c *Controller) loadState(ctx context.Context) *domain.DaemonState {
	state, err := c.state.Load(ctx)
	if err != nil {
		// 깨진 상태 파일은 빈 커서로 재시작한다. 전체 재처리는 중복 검사로 안전하다.
		c.log.Warn().
			Str("component", "daemon").
			Str("operation", "state_load").
			Err(err).
			Msg("daemon state unreadable, starting fresh")
		return &domain.DaemonState{CurrentStatus: domain.DaemonStopped}
	}
	return state
}

func (c *Controller) persistState(ctx context.Context, state *domain.DaemonState) {
	if err := c.state.Save(ctx, state); err != nil {
		c.log.Error().
			Str("component", "daemon").
			Str("operation", "state_save").
			Err(err).
			Msg("state persist failed, cursor durability at risk")
	}
}
