package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"collabiq/adapter/out/storage"
	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
	"collabiq/pkg/resilience"
)

type fakeWorkspace struct {
	findFound  bool
	findPageID string
	createErr  error
	updateErr  error

	createCalls int
	updateCalls int
	lastPageID  string
}

func (f *fakeWorkspace) Schema(ctx context.Context) (*out.WorkspaceSchema, error) {
	return &out.WorkspaceSchema{}, nil
}

func (f *fakeWorkspace) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	return nil, nil
}

func (f *fakeWorkspace) ListUsers(ctx context.Context) ([]domain.WorkspaceUser, error) {
	return nil, nil
}

func (f *fakeWorkspace) FindEntryByMessageID(ctx context.Context, messageID string) (string, bool, error) {
	return f.findPageID, f.findFound, nil
}

func (f *fakeWorkspace) CreateEntry(ctx context.Context, properties map[string]any) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "p_replayed", nil
}

func (f *fakeWorkspace) UpdateEntry(ctx context.Context, pageID string, properties map[string]any) error {
	f.updateCalls++
	f.lastPageID = pageID
	return f.updateErr
}

func (f *fakeWorkspace) CreateCompany(ctx context.Context, name string) (string, error) {
	return "", nil
}

type fakeReprocessor struct {
	extractErr   error
	fetchErr     error
	extractCalls []domain.LLMExtractPayload
	fetchCalls   []domain.MailFetchPayload
}

func (f *fakeReprocessor) ReplayExtract(ctx context.Context, p domain.LLMExtractPayload) error {
	f.extractCalls = append(f.extractCalls, p)
	return f.extractErr
}

func (f *fakeReprocessor) ReplayFetch(ctx context.Context, p domain.MailFetchPayload) error {
	f.fetchCalls = append(f.fetchCalls, p)
	return f.fetchErr
}

func seedEntry(t *testing.T, store out.DLQStore, op domain.OperationType, messageID string, payload any) *domain.DLQEntry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("payload marshal error = %v", err)
	}
	entry := &domain.DLQEntry{
		DLQID:           domain.NewDLQID(time.Now(), messageID),
		MessageID:       messageID,
		OperationType:   op,
		Status:          domain.DLQPending,
		OriginalPayload: raw,
		ErrorDetails:    domain.DLQErrorDetails{Type: "TRANSIENT", Message: "503", RetryCount: 2},
		CreatedAt:       time.Now(),
		LastAttemptAt:   time.Now(),
	}
	if err := store.Save(context.Background(), entry); err != nil {
		t.Fatalf("seed save error = %v", err)
	}
	return entry
}

func writePayload(messageID string) domain.WorkspaceWritePayload {
	return domain.WorkspaceWritePayload{
		MessageID:  messageID,
		Properties: map[string]any{"협업 제목": map[string]any{"title": []any{}}},
	}
}

func newTestReplayer(t *testing.T, works *fakeWorkspace, repro Reprocessor, probe SecretProbe) (*Replayer, out.DLQStore) {
	t.Helper()
	store := storage.NewDLQStore(t.TempDir())
	r := NewReplayer(store, works, resilience.NewRegistry(zerolog.Nop()), repro, probe, zerolog.Nop())
	return r, store
}

func TestReplayCompletesWorkspaceWrite(t *testing.T) {
	works := &fakeWorkspace{}
	r, store := newTestReplayer(t, works, nil, nil)
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s), want completed", result.Outcome, result.Reason)
	}
	if works.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", works.createCalls)
	}

	stored, err := store.Get(context.Background(), entry.DLQID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != domain.DLQCompleted || !stored.Processed || stored.ReplayedAt == nil {
		t.Errorf("entry = status %v processed %v replayed %v, want completed/true/set",
			stored.Status, stored.Processed, stored.ReplayedAt)
	}
	processed, err := store.IsProcessed(context.Background(), entry.DLQID)
	if err != nil || !processed {
		t.Errorf("IsProcessed = %v/%v, want true", processed, err)
	}
}

// TestReplayCompletedIsNoOp verifies the idempotency guard: a second replay
// writes nothing.
func TestReplayCompletedIsNoOp(t *testing.T) {
	works := &fakeWorkspace{}
	r, store := newTestReplayer(t, works, nil, nil)
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))

	if result := r.ReplayOne(context.Background(), entry.DLQID); result.Outcome != OutcomeCompleted {
		t.Fatalf("first replay outcome = %v, want completed", result.Outcome)
	}
	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeCompleted || result.Reason != "already processed" {
		t.Errorf("second replay = %v (%s), want completed/already processed", result.Outcome, result.Reason)
	}
	if works.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (no double write)", works.createCalls)
	}
}

// TestReplayExistingRowIsNoOp covers a crash between the original create
// and the index update: the row exists, so replay must not write a second.
func TestReplayExistingRowIsNoOp(t *testing.T) {
	works := &fakeWorkspace{findFound: true, findPageID: "p_old"}
	r, store := newTestReplayer(t, works, nil, nil)
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", result.Outcome)
	}
	if works.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0", works.createCalls)
	}
}

func TestReplayUpdatePayloadTargetsPage(t *testing.T) {
	works := &fakeWorkspace{}
	r, store := newTestReplayer(t, works, nil, nil)
	payload := writePayload("m1")
	payload.PageID = "p_old"
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", payload)

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", result.Outcome)
	}
	if works.updateCalls != 1 || works.lastPageID != "p_old" {
		t.Errorf("updateCalls = %d pageID = %q, want 1/p_old", works.updateCalls, works.lastPageID)
	}
	if works.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0", works.createCalls)
	}
}

// TestReplayTransientStaysPending verifies the entry survives for the next
// batch with its retry count bumped.
func TestReplayTransientStaysPending(t *testing.T) {
	works := &fakeWorkspace{createErr: apperr.ServiceUnavailable("workspace", 503, nil)}
	r, store := newTestReplayer(t, works, nil, nil)
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeUpdated {
		t.Fatalf("outcome = %v, want updated", result.Outcome)
	}

	stored, err := store.Get(context.Background(), entry.DLQID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != domain.DLQPending || stored.Processed {
		t.Errorf("entry = %v/%v, want pending/unprocessed", stored.Status, stored.Processed)
	}
	if stored.ErrorDetails.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", stored.ErrorDetails.RetryCount)
	}
}

func TestReplayPermanentFails(t *testing.T) {
	works := &fakeWorkspace{createErr: apperr.BadRequest("workspace", "unknown property", nil)}
	r, store := newTestReplayer(t, works, nil, nil)
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", result.Outcome)
	}
	stored, err := store.Get(context.Background(), entry.DLQID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != domain.DLQFailed {
		t.Errorf("status = %v, want failed", stored.Status)
	}
	if stored.ErrorDetails.Type != "PERMANENT" {
		t.Errorf("error type = %q, want PERMANENT", stored.ErrorDetails.Type)
	}
}

// TestReplaySkipsOpenBreaker verifies replay respects the target service's
// circuit.
func TestReplaySkipsOpenBreaker(t *testing.T) {
	works := &fakeWorkspace{}
	r, store := newTestReplayer(t, works, nil, nil)
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))

	breaker := r.breakers.Get(resilience.ServiceWorkspace)
	for i := 0; i < 5; i++ {
		_, _ = resilience.Execute(context.Background(), breaker, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, apperr.ServiceUnavailable("workspace", 503, nil)
		})
	}

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", result.Outcome)
	}
	if works.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0", works.createCalls)
	}
	stored, err := store.Get(context.Background(), entry.DLQID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != domain.DLQPending {
		t.Errorf("status = %v, want untouched pending", stored.Status)
	}
}

func TestReplayLockHeld(t *testing.T) {
	works := &fakeWorkspace{}
	r, store := newTestReplayer(t, works, nil, nil)
	entry := seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))

	release, ok := store.TryLock(entry.DLQID)
	if !ok {
		t.Fatal("seed lock not acquired")
	}
	defer release()

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %v, want skipped while locked", result.Outcome)
	}
}

// TestReplayExtractRunsPipeline verifies llm_extract entries round-trip
// their payload into the reprocessor.
func TestReplayExtractRunsPipeline(t *testing.T) {
	repro := &fakeReprocessor{}
	r, store := newTestReplayer(t, &fakeWorkspace{}, repro, nil)
	received := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	entry := seedEntry(t, store, domain.OpLLMExtract, "m1", domain.LLMExtractPayload{
		MessageID:  "m1",
		BodyText:   "협업 제안 본문",
		ReceivedAt: received,
		Strategy:   "consensus",
	})

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s), want completed", result.Outcome, result.Reason)
	}
	if len(repro.extractCalls) != 1 {
		t.Fatalf("extract calls = %d, want 1", len(repro.extractCalls))
	}
	got := repro.extractCalls[0]
	if got.BodyText != "협업 제안 본문" || !got.ReceivedAt.Equal(received) || got.Strategy != "consensus" {
		t.Errorf("payload = %+v, want round-tripped fields", got)
	}
}

// TestReplayWithoutPipelineFails verifies entries needing the daemon fail
// with a reason instead of being silently dropped.
func TestReplayWithoutPipelineFails(t *testing.T) {
	r, store := newTestReplayer(t, &fakeWorkspace{}, nil, nil)
	entry := seedEntry(t, store, domain.OpLLMExtract, "m1", domain.LLMExtractPayload{MessageID: "m1"})

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", result.Outcome)
	}
}

func TestReplaySecretProbe(t *testing.T) {
	var probed string
	probe := func(ctx context.Context, key string) error {
		probed = key
		return nil
	}
	r, store := newTestReplayer(t, &fakeWorkspace{}, nil, probe)
	entry := seedEntry(t, store, domain.OpSecretFetch, "m1", domain.SecretFetchPayload{Key: "OPENAI_API_KEY"})

	result := r.ReplayOne(context.Background(), entry.DLQID)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", result.Outcome)
	}
	if probed != "OPENAI_API_KEY" {
		t.Errorf("probed key = %q, want OPENAI_API_KEY", probed)
	}
}

// TestReplayAllSummarizes verifies the batch walk covers only pending
// entries and aggregates outcomes.
func TestReplayAllSummarizes(t *testing.T) {
	works := &fakeWorkspace{}
	r, store := newTestReplayer(t, works, nil, nil)
	seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))
	seedEntry(t, store, domain.OpLLMExtract, "m2", domain.LLMExtractPayload{MessageID: "m2"})
	done := seedEntry(t, store, domain.OpWorkspaceWrite, "m3", writePayload("m3"))
	done.Status = domain.DLQCompleted
	done.Processed = true
	if err := store.Update(context.Background(), done); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	summary, results, err := r.ReplayAll(context.Background())
	if err != nil {
		t.Fatalf("ReplayAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (completed entry excluded)", len(results))
	}
	want := Summary{Completed: 1, Failed: 1}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	if works.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", works.createCalls)
	}
}

func TestCounts(t *testing.T) {
	r, store := newTestReplayer(t, &fakeWorkspace{}, nil, nil)
	seedEntry(t, store, domain.OpWorkspaceWrite, "m1", writePayload("m1"))
	seedEntry(t, store, domain.OpWorkspaceWrite, "m2", writePayload("m2"))
	failed := seedEntry(t, store, domain.OpLLMExtract, "m3", domain.LLMExtractPayload{MessageID: "m3"})
	failed.Status = domain.DLQFailed
	if err := store.Update(context.Background(), failed); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	counts, err := r.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if got := counts[domain.OpWorkspaceWrite]; got.Pending != 2 {
		t.Errorf("workspace_write pending = %d, want 2", got.Pending)
	}
	if got := counts[domain.OpLLMExtract]; got.Failed != 1 {
		t.Errorf("llm_extract failed = %d, want 1", got.Failed)
	}
}
