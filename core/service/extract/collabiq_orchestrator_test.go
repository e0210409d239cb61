package extract

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"collabiq/adapter/out/storage"
	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/health"
	"collabiq/pkg/apperr"
	"collabiq/pkg/resilience"
)

// stubProvider scripts one adapter. results are consumed per call; the
// last entry repeats once the script runs out.
type stubProvider struct {
	name     string
	model    string
	calls    atomic.Int32
	extract  func() (*domain.ExtractedEntities, error)
	complete func() (*out.CompletionResult, error)
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) ModelID() string { return s.model }

func (s *stubProvider) Extract(ctx context.Context, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	s.calls.Add(1)
	return s.extract()
}

func (s *stubProvider) Complete(ctx context.Context, system, user string) (*out.CompletionResult, error) {
	s.calls.Add(1)
	if s.complete == nil {
		return nil, errors.New("complete not scripted")
	}
	return s.complete()
}

func strptr(s string) *string { return &s }

// entitiesOf builds a full stub response. Unset fields stay null with
// confidence 0.0.
func entitiesOf(provider, model string, fields map[string]string, conf map[string]float64) *domain.ExtractedEntities {
	e := &domain.ExtractedEntities{
		Details:         fields[domain.FieldDetails],
		FieldConfidence: map[string]float64{},
		ProviderName:    provider,
		ModelID:         model,
		InputTokens:     100,
		OutputTokens:    50,
		LatencyMS:       10,
	}
	if v, ok := fields[domain.FieldPersonInCharge]; ok {
		e.PersonInCharge = strptr(v)
	}
	if v, ok := fields[domain.FieldCompanyName]; ok {
		e.CompanyName = strptr(v)
	}
	if v, ok := fields[domain.FieldPartnerOrg]; ok {
		e.PartnerOrg = strptr(v)
	}
	if v, ok := fields[domain.FieldCollabDate]; ok {
		d, _ := time.Parse("2006-01-02", v)
		e.CollabDate = &d
	}
	for _, name := range domain.ExtractionFields {
		e.FieldConfidence[name] = conf[name]
	}
	return e
}

func succeedWith(e *domain.ExtractedEntities) func() (*domain.ExtractedEntities, error) {
	return func() (*domain.ExtractedEntities, error) {
		clone := *e
		return &clone, nil
	}
}

func failWith(err error) func() (*domain.ExtractedEntities, error) {
	return func() (*domain.ExtractedEntities, error) { return nil, err }
}

// newTestOrchestrator wires stubs with fresh trackers. MaxRetries 1 keeps
// the tests free of backoff sleeps.
func newTestOrchestrator(t *testing.T, cfg Config, stubs ...*stubProvider) (*Orchestrator, *health.Tracker, *resilience.Registry) {
	t.Helper()

	breakers := resilience.NewRegistry(zerolog.Nop())
	tracker, err := health.NewTracker(context.Background(), storage.NewMetricsStore(t.TempDir()), breakers, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	providers := make([]out.LLMProvider, len(stubs))
	configs := make([]domain.ProviderConfig, len(stubs))
	for i, s := range stubs {
		providers[i] = s
		configs[i] = domain.ProviderConfig{
			Name:       s.name,
			ModelID:    s.model,
			Enabled:    true,
			Priority:   i + 1,
			MaxRetries: 1,
		}
	}
	return NewOrchestrator(cfg, providers, configs, tracker, breakers, zerolog.Nop()), tracker, breakers
}

var baseFields = map[string]string{
	domain.FieldPersonInCharge: "김수현",
	domain.FieldCompanyName:    "웨이크(산스)",
	domain.FieldPartnerOrg:     "신세계",
	domain.FieldDetails:        "팝업스토어 협업 제안",
	domain.FieldCollabDate:     "2026-02-13",
}

var baseConf = map[string]float64{
	domain.FieldPersonInCharge: 0.9,
	domain.FieldCompanyName:    0.95,
	domain.FieldPartnerOrg:     0.8,
	domain.FieldDetails:        0.85,
	domain.FieldCollabDate:     0.7,
}

// TestFailoverFirstProviderWins verifies the primary result passes through
// untouched apart from the strategy stamp.
func TestFailoverFirstProviderWins(t *testing.T) {
	a := &stubProvider{name: "openai", model: "gpt-4o-mini", extract: succeedWith(entitiesOf("openai", "gpt-4o-mini", baseFields, baseConf))}
	b := &stubProvider{name: "anthropic", model: "claude", extract: failWith(errors.New("should not be called"))}
	o, tracker, _ := newTestOrchestrator(t, Config{}, a, b)

	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.Strategy != domain.StrategyFailover {
		t.Errorf("Strategy = %v, want %v", got.Strategy, domain.StrategyFailover)
	}
	if got.FallbackUsed {
		t.Error("FallbackUsed = true, want false")
	}
	if got.CompanyName == nil || *got.CompanyName != "웨이크(산스)" {
		t.Errorf("CompanyName = %v, want 웨이크(산스)", got.CompanyName)
	}
	if b.calls.Load() != 0 {
		t.Errorf("secondary calls = %d, want 0", b.calls.Load())
	}
	if h := tracker.HealthOf("openai"); h.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", h.SuccessCount)
	}
}

// TestFailoverFallsThrough verifies the chain advances past failures and
// marks the fallback.
func TestFailoverFallsThrough(t *testing.T) {
	a := &stubProvider{name: "openai", model: "gpt-4o-mini", extract: failWith(apperr.ServiceUnavailable("llm.openai", 503, errors.New("boom")))}
	b := &stubProvider{name: "anthropic", model: "claude", extract: succeedWith(entitiesOf("anthropic", "claude", baseFields, baseConf))}
	o, tracker, _ := newTestOrchestrator(t, Config{}, a, b)

	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !got.FallbackUsed {
		t.Error("FallbackUsed = false, want true")
	}
	if got.ProviderName != "anthropic" {
		t.Errorf("ProviderName = %q, want anthropic", got.ProviderName)
	}
	if h := tracker.HealthOf("openai"); h.FailureCount != 1 {
		t.Errorf("openai FailureCount = %d, want 1", h.FailureCount)
	}
}

// TestFailoverExhaustion verifies the terminal error when every provider
// fails.
func TestFailoverExhaustion(t *testing.T) {
	a := &stubProvider{name: "openai", model: "m", extract: failWith(apperr.BadRequest("llm.openai", "bad prompt", nil))}
	b := &stubProvider{name: "anthropic", model: "m", extract: failWith(apperr.ServiceUnavailable("llm.anthropic", 500, errors.New("down")))}
	o, _, _ := newTestOrchestrator(t, Config{}, a, b)

	_, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err == nil {
		t.Fatal("Extract() error = nil, want ALL_PROVIDERS_FAILED")
	}
	appErr := apperr.AsAppError(err)
	if !apperr.IsAppError(err) || appErr.Code != apperr.CodeAllProvidersFailed {
		t.Errorf("error = %v, want code %s", err, apperr.CodeAllProvidersFailed)
	}
	if !apperr.IsPermanent(err) {
		t.Errorf("category = %v, want PERMANENT", apperr.CategoryOf(err))
	}
}

// TestFailoverSkipsOpenBreaker verifies a tripped provider is bypassed
// without burning a call.
func TestFailoverSkipsOpenBreaker(t *testing.T) {
	a := &stubProvider{name: "openai", model: "m", extract: failWith(apperr.ServiceUnavailable("llm.openai", 503, errors.New("down")))}
	b := &stubProvider{name: "anthropic", model: "m", extract: succeedWith(entitiesOf("anthropic", "m", baseFields, baseConf))}
	o, _, breakers := newTestOrchestrator(t, Config{}, a, b)

	// 연속 5회 일시 오류로 차단기를 연다
	for i := 0; i < 5; i++ {
		if _, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, ""); err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
	}
	if state := breakers.Get(resilience.LLMService("openai")).State(); state != "open" {
		t.Fatalf("breaker state = %q, want open", state)
	}

	before := a.calls.Load()
	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if a.calls.Load() != before {
		t.Errorf("openai called while open: calls = %d, want %d", a.calls.Load(), before)
	}
	if !got.FallbackUsed {
		t.Error("FallbackUsed = false, want true")
	}
}

// TestConsensusMajority verifies field-level majority voting, provenance
// aggregation and the dissenting value losing.
func TestConsensusMajority(t *testing.T) {
	dissent := map[string]string{}
	for k, v := range baseFields {
		dissent[k] = v
	}
	dissent[domain.FieldCompanyName] = "신세계푸드"
	dissent[domain.FieldCollabDate] = "2026-03-01"

	a := &stubProvider{name: "openai", model: "gpt-4o-mini", extract: succeedWith(entitiesOf("openai", "gpt-4o-mini", baseFields, baseConf))}
	b := &stubProvider{name: "anthropic", model: "claude", extract: succeedWith(entitiesOf("anthropic", "claude", baseFields, baseConf))}
	c := &stubProvider{name: "bedrock", model: "nova", extract: succeedWith(entitiesOf("bedrock", "nova", dissent, baseConf))}
	o, _, _ := newTestOrchestrator(t, Config{Strategy: domain.StrategyConsensus}, a, b, c)

	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.Strategy != domain.StrategyConsensus {
		t.Errorf("Strategy = %v, want consensus", got.Strategy)
	}
	if got.CompanyName == nil || *got.CompanyName != "웨이크(산스)" {
		t.Errorf("CompanyName = %v, want majority 웨이크(산스)", got.CompanyName)
	}
	if got.CollabDate == nil || got.CollabDate.Format("2006-01-02") != "2026-02-13" {
		t.Errorf("CollabDate = %v, want majority 2026-02-13", got.CollabDate)
	}
	// 토큰은 전체 합, 지연은 최댓값
	if got.InputTokens != 300 || got.OutputTokens != 150 {
		t.Errorf("tokens = %d/%d, want 300/150", got.InputTokens, got.OutputTokens)
	}
	if got.LatencyMS != 10 {
		t.Errorf("LatencyMS = %d, want 10", got.LatencyMS)
	}
	if got.ProviderName != "openai" && got.ProviderName != "anthropic" {
		t.Errorf("ProviderName = %q, want a majority member", got.ProviderName)
	}
	if got.FallbackUsed {
		t.Error("FallbackUsed = true, want false")
	}
}

// TestConsensusNullMajority verifies the abstain camp winning a field.
func TestConsensusNullMajority(t *testing.T) {
	noPerson := map[string]string{}
	for k, v := range baseFields {
		noPerson[k] = v
	}
	delete(noPerson, domain.FieldPersonInCharge)
	nullConf := map[string]float64{}
	for k, v := range baseConf {
		nullConf[k] = v
	}
	nullConf[domain.FieldPersonInCharge] = 0

	a := &stubProvider{name: "openai", model: "m", extract: succeedWith(entitiesOf("openai", "m", noPerson, nullConf))}
	b := &stubProvider{name: "anthropic", model: "m", extract: succeedWith(entitiesOf("anthropic", "m", noPerson, nullConf))}
	c := &stubProvider{name: "bedrock", model: "m", extract: succeedWith(entitiesOf("bedrock", "m", baseFields, baseConf))}
	o, _, _ := newTestOrchestrator(t, Config{Strategy: domain.StrategyConsensus}, a, b, c)

	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.PersonInCharge != nil {
		t.Errorf("PersonInCharge = %q, want nil", *got.PersonInCharge)
	}
	if got.FieldConfidence[domain.FieldPersonInCharge] != 0 {
		t.Errorf("person confidence = %v, want 0", got.FieldConfidence[domain.FieldPersonInCharge])
	}
}

// TestConsensusAbstention verifies low-confidence agreement collapsing to
// null, while details falls back instead of emptying.
func TestConsensusAbstention(t *testing.T) {
	lowConf := map[string]float64{}
	for k, v := range baseConf {
		lowConf[k] = v
	}
	lowConf[domain.FieldPartnerOrg] = 0.1
	lowConf[domain.FieldDetails] = 0.1

	lowerConf := map[string]float64{}
	for k, v := range lowConf {
		lowerConf[k] = v
	}
	lowerConf[domain.FieldDetails] = 0.2

	a := &stubProvider{name: "openai", model: "m", extract: succeedWith(entitiesOf("openai", "m", baseFields, lowConf))}
	b := &stubProvider{name: "anthropic", model: "m", extract: succeedWith(entitiesOf("anthropic", "m", baseFields, lowerConf))}
	o, _, _ := newTestOrchestrator(t, Config{Strategy: domain.StrategyConsensus}, a, b)

	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.PartnerOrg != nil {
		t.Errorf("PartnerOrg = %q, want nil below abstention threshold", *got.PartnerOrg)
	}
	if got.Details != "팝업스토어 협업 제안" {
		t.Errorf("Details = %q, want fallback to highest confidence", got.Details)
	}
	if got.FieldConfidence[domain.FieldDetails] != 0.2 {
		t.Errorf("details confidence = %v, want 0.2", got.FieldConfidence[domain.FieldDetails])
	}
}

// TestConsensusInsufficient verifies the minimum-response rule.
func TestConsensusInsufficient(t *testing.T) {
	a := &stubProvider{name: "openai", model: "m", extract: succeedWith(entitiesOf("openai", "m", baseFields, baseConf))}
	b := &stubProvider{name: "anthropic", model: "m", extract: failWith(apperr.ServiceUnavailable("llm.anthropic", 500, errors.New("down")))}
	c := &stubProvider{name: "bedrock", model: "m", extract: failWith(apperr.ServiceUnavailable("llm.bedrock", 500, errors.New("down")))}
	o, _, _ := newTestOrchestrator(t, Config{Strategy: domain.StrategyConsensus}, a, b, c)

	_, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	appErr := apperr.AsAppError(err)
	if !apperr.IsAppError(err) || appErr.Code != apperr.CodeInsufficientAgreement {
		t.Fatalf("error = %v, want code %s", err, apperr.CodeInsufficientAgreement)
	}
	if !apperr.IsPermanent(err) {
		t.Errorf("category = %v, want PERMANENT", apperr.CategoryOf(err))
	}
}

// TestBestMatchPicksHighestConfidence verifies selection and the priority
// tie-break.
func TestBestMatchPicksHighestConfidence(t *testing.T) {
	weak := map[string]float64{}
	for k := range baseConf {
		weak[k] = 0.5
	}

	a := &stubProvider{name: "openai", model: "m", extract: succeedWith(entitiesOf("openai", "m", baseFields, weak))}
	b := &stubProvider{name: "anthropic", model: "m", extract: succeedWith(entitiesOf("anthropic", "m", baseFields, baseConf))}
	o, _, _ := newTestOrchestrator(t, Config{Strategy: domain.StrategyBestMatch}, a, b)

	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.ProviderName != "anthropic" {
		t.Errorf("ProviderName = %q, want anthropic", got.ProviderName)
	}
	if got.Strategy != domain.StrategyBestMatch {
		t.Errorf("Strategy = %v, want best-match", got.Strategy)
	}

	// 동률이면 낮은 priority가 이긴다
	c := &stubProvider{name: "openai", model: "m", extract: succeedWith(entitiesOf("openai", "m", baseFields, baseConf))}
	d := &stubProvider{name: "anthropic", model: "m", extract: succeedWith(entitiesOf("anthropic", "m", baseFields, baseConf))}
	o2, _, _ := newTestOrchestrator(t, Config{Strategy: domain.StrategyBestMatch}, c, d)

	got2, err := o2.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got2.ProviderName != "openai" {
		t.Errorf("tie ProviderName = %q, want openai", got2.ProviderName)
	}
}

// TestCompleteFailover verifies free-form completions ride the same chain.
func TestCompleteFailover(t *testing.T) {
	a := &stubProvider{name: "openai", model: "m",
		complete: func() (*out.CompletionResult, error) {
			return nil, apperr.BadRequest("llm.openai", "refused", nil)
		}}
	b := &stubProvider{name: "anthropic", model: "m",
		complete: func() (*out.CompletionResult, error) {
			return &out.CompletionResult{Text: "Cooperation", InputTokens: 10, OutputTokens: 2, LatencyMS: 5}, nil
		}}
	o, _, _ := newTestOrchestrator(t, Config{}, a, b)

	result, provider, err := o.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if result.Text != "Cooperation" {
		t.Errorf("Text = %q, want Cooperation", result.Text)
	}
	if provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", provider)
	}
}

// TestQualityRoutingReorders verifies quality routing promotes the
// better-sampled provider ahead of static priority.
func TestQualityRoutingReorders(t *testing.T) {
	a := &stubProvider{name: "openai", model: "m", extract: succeedWith(entitiesOf("openai", "m", baseFields, baseConf))}
	b := &stubProvider{name: "anthropic", model: "m", extract: succeedWith(entitiesOf("anthropic", "m", baseFields, baseConf))}
	o, tracker, _ := newTestOrchestrator(t, Config{QualityRouting: true}, a, b)

	// anthropic만 품질 샘플을 가진다
	tracker.RecordQuality(context.Background(), "anthropic", entitiesOf("anthropic", "m", baseFields, baseConf), true)

	got, err := o.Extract(context.Background(), out.ExtractionInput{BodyText: "본문"}, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.ProviderName != "anthropic" {
		t.Errorf("ProviderName = %q, want quality-ranked anthropic", got.ProviderName)
	}
	if a.calls.Load() != 0 {
		t.Errorf("openai calls = %d, want 0", a.calls.Load())
	}
}
