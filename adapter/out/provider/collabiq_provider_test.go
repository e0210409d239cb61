package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

const validResponse = `{
	"person_in_charge": "김수현",
	"company_name": "웨이크(산스)",
	"partner_org": "신세계",
	"details": "신세계 팝업스토어 입점 협의",
	"collab_date": "2026-02-13",
	"confidence": {"person_in_charge": 0.95, "company_name": 0.9, "partner_org": 0.85, "details": 0.9, "collab_date": 0.8}
}`

// TestParseExtractionValid tests that a well-formed model response maps onto
// the extraction schema with Korean values preserved.
func TestParseExtractionValid(t *testing.T) {
	e, err := parseExtraction(ProviderOpenAI, validResponse)
	if err != nil {
		t.Fatalf("parseExtraction() error = %v", err)
	}

	if e.PersonInCharge == nil || *e.PersonInCharge != "김수현" {
		t.Errorf("PersonInCharge = %v, want 김수현", e.PersonInCharge)
	}
	if e.CompanyName == nil || *e.CompanyName != "웨이크(산스)" {
		t.Errorf("CompanyName = %v, want 웨이크(산스)", e.CompanyName)
	}
	if e.Details != "신세계 팝업스토어 입점 협의" {
		t.Errorf("Details = %q", e.Details)
	}
	if e.CollabDate == nil || e.CollabDate.Format("2006-01-02") != "2026-02-13" {
		t.Errorf("CollabDate = %v, want 2026-02-13", e.CollabDate)
	}
	if got := e.FieldConfidence[domain.FieldPersonInCharge]; got != 0.95 {
		t.Errorf("confidence[person_in_charge] = %v, want 0.95", got)
	}
	if got := e.Completeness(); got != 1.0 {
		t.Errorf("Completeness() = %v, want 1.0", got)
	}
}

// TestParseExtractionFenced tests that markdown code fences around the JSON
// are tolerated.
func TestParseExtractionFenced(t *testing.T) {
	fenced := "```json\n" + validResponse + "\n```"
	e, err := parseExtraction(ProviderAnthropic, fenced)
	if err != nil {
		t.Fatalf("parseExtraction() error = %v", err)
	}
	if e.PartnerOrg == nil || *e.PartnerOrg != "신세계" {
		t.Errorf("PartnerOrg = %v, want 신세계", e.PartnerOrg)
	}
}

// TestParseExtractionNullNormalization tests the confidence rules around
// null fields: a null field is forced to 0.0 no matter what the model
// reported, and a present field missing from the confidence map gets 0.5.
func TestParseExtractionNullNormalization(t *testing.T) {
	raw := `{
		"person_in_charge": null,
		"company_name": "  ",
		"partner_org": "신세계",
		"details": "협의 진행",
		"collab_date": null,
		"confidence": {"person_in_charge": 0.9, "company_name": 0.8, "details": 0.7, "collab_date": 0.6}
	}`
	e, err := parseExtraction(ProviderOpenAI, raw)
	if err != nil {
		t.Fatalf("parseExtraction() error = %v", err)
	}

	if e.PersonInCharge != nil {
		t.Errorf("PersonInCharge = %v, want nil", e.PersonInCharge)
	}
	// 공백만 있는 값은 null 취급
	if e.CompanyName != nil {
		t.Errorf("CompanyName = %v, want nil", e.CompanyName)
	}
	if got := e.FieldConfidence[domain.FieldPersonInCharge]; got != 0 {
		t.Errorf("confidence[person_in_charge] = %v, want 0 for null field", got)
	}
	if got := e.FieldConfidence[domain.FieldCompanyName]; got != 0 {
		t.Errorf("confidence[company_name] = %v, want 0 for blank field", got)
	}
	// partner_org는 값이 있는데 신뢰도 항목이 빠짐
	if got := e.FieldConfidence[domain.FieldPartnerOrg]; got != 0.5 {
		t.Errorf("confidence[partner_org] = %v, want default 0.5", got)
	}
}

// TestParseExtractionClamping tests that out-of-range confidences clamp to
// [0, 1].
func TestParseExtractionClamping(t *testing.T) {
	raw := `{
		"person_in_charge": "John",
		"company_name": null,
		"partner_org": null,
		"details": "meeting scheduled",
		"collab_date": null,
		"confidence": {"person_in_charge": 1.7, "details": -0.3}
	}`
	e, err := parseExtraction(ProviderOpenAI, raw)
	if err != nil {
		t.Fatalf("parseExtraction() error = %v", err)
	}
	if got := e.FieldConfidence[domain.FieldPersonInCharge]; got != 1.0 {
		t.Errorf("confidence clamped high = %v, want 1.0", got)
	}
	if got := e.FieldConfidence[domain.FieldDetails]; got != 0 {
		t.Errorf("confidence clamped low = %v, want 0", got)
	}
}

// TestParseExtractionSchemaViolations tests that malformed responses fail
// with a permanent schema violation.
func TestParseExtractionSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid JSON", `{"details": `},
		{"plain text response", `죄송합니다, 추출할 수 없습니다.`},
		{"missing details", `{"person_in_charge": "김수현", "confidence": {"details": 0.9}}`},
		{"blank details", `{"details": "   ", "confidence": {"details": 0.9}}`},
		{"missing confidence map", `{"details": "협의 진행"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseExtraction(ProviderOpenAI, tt.raw)
			if err == nil {
				t.Fatal("parseExtraction() error = nil, want schema violation")
			}
			ae := apperr.AsAppError(err)
			if !apperr.IsAppError(err) {
				t.Fatalf("error type = %T, want *apperr.AppError", err)
			}
			if ae.Code != apperr.CodeSchemaViolation {
				t.Errorf("Code = %v, want %v", ae.Code, apperr.CodeSchemaViolation)
			}
			if !apperr.IsPermanent(err) {
				t.Errorf("CategoryOf() = %v, want PERMANENT", apperr.CategoryOf(err))
			}
		})
	}
}

// TestParseCollabDateForms tests the accepted date shapes and the degrade-
// to-null behavior for anything else.
func TestParseCollabDateForms(t *testing.T) {
	strPtr := func(s string) *string { return &s }

	tests := []struct {
		name string
		in   *string
		want string // "" means nil
	}{
		{"iso date", strPtr("2026-02-13"), "2026-02-13"},
		{"rfc3339 timestamp", strPtr("2026-02-13T09:30:00Z"), "2026-02-13"},
		{"nil", nil, ""},
		{"literal null", strPtr("null"), ""},
		{"korean relative leaked through", strPtr("다음주 금요일"), ""},
		{"garbage", strPtr("2026/02/13"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCollabDate(tt.in)
			if tt.want == "" {
				if got != nil {
					t.Errorf("parseCollabDate() = %v, want nil", got)
				}
				return
			}
			if got == nil || got.Format("2006-01-02") != tt.want {
				t.Errorf("parseCollabDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestTruncateBodyRuneSafe tests that truncation counts runes, not bytes,
// so Korean text is never cut mid-character.
func TestTruncateBodyRuneSafe(t *testing.T) {
	body := strings.Repeat("협", 9000)
	got := truncateBody(body, maxBodyChars)

	runes := []rune(strings.TrimSuffix(got, "..."))
	if len(runes) != maxBodyChars {
		t.Errorf("truncated length = %d runes, want %d", len(runes), maxBodyChars)
	}
	for _, r := range runes {
		if r != '협' {
			t.Fatalf("truncation corrupted a rune: %q", r)
		}
	}

	short := "짧은 본문"
	if truncateBody(short, maxBodyChars) != short {
		t.Error("short body should pass through untouched")
	}
}

// TestBuildExtractionUserPrompt tests that the prompt anchors the receive
// date for relative-date resolution.
func TestBuildExtractionUserPrompt(t *testing.T) {
	in := out.ExtractionInput{
		BodyText:   "어제 신세계와 미팅을 진행했습니다.",
		ReceivedAt: time.Date(2026, 2, 11, 9, 30, 0, 0, time.UTC),
	}
	prompt := buildExtractionUserPrompt(in)

	if !strings.Contains(prompt, "Received at: 2026-02-11 (Wednesday)") {
		t.Errorf("prompt missing receive-date anchor:\n%s", prompt)
	}
	if !strings.Contains(prompt, "어제 신세계와 미팅을 진행했습니다.") {
		t.Error("prompt missing email body")
	}
}

// TestStripFences tests fence removal variants.
func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}\n", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestMapOpenAIError tests the boundary classification for the OpenAI SDK.
func TestMapOpenAIError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCode     string
		wantCategory apperr.Category
	}{
		{"deadline", context.DeadlineExceeded, apperr.CodeTimeout, apperr.CategoryTransient},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"}, apperr.CodeRateLimited, apperr.CategoryTransient},
		{"server error", &openai.APIError{HTTPStatusCode: 500, Message: "boom"}, apperr.CodeServiceUnavailable, apperr.CategoryTransient},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}, apperr.CodeUnauthorized, apperr.CategoryCritical},
		{"bad request", &openai.APIError{HTTPStatusCode: 400, Message: "invalid"}, apperr.CodeBadRequest, apperr.CategoryPermanent},
		{"transport failure", &openai.RequestError{Err: errors.New("dial tcp: connection refused")}, apperr.CodeConnectionFailed, apperr.CategoryTransient},
		{"plain error", errors.New("unexpected EOF"), apperr.CodeConnectionFailed, apperr.CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapOpenAIError(tt.err)
			ae := apperr.AsAppError(got)
			if !apperr.IsAppError(got) {
				t.Fatalf("mapOpenAIError() type = %T, want *apperr.AppError", got)
			}
			if ae.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", ae.Code, tt.wantCode)
			}
			if ae.Category != tt.wantCategory {
				t.Errorf("Category = %v, want %v", ae.Category, tt.wantCategory)
			}
		})
	}
}

// TestMapBedrockError tests the typed runtime exception classification.
func TestMapBedrockError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCode     string
		wantCategory apperr.Category
	}{
		{"throttling", &types.ThrottlingException{}, apperr.CodeRateLimited, apperr.CategoryTransient},
		{"quota exceeded", &types.ServiceQuotaExceededException{}, apperr.CodeRateLimited, apperr.CategoryTransient},
		{"model timeout", &types.ModelTimeoutException{}, apperr.CodeTimeout, apperr.CategoryTransient},
		{"model not ready", &types.ModelNotReadyException{}, apperr.CodeServiceUnavailable, apperr.CategoryTransient},
		{"internal", &types.InternalServerException{}, apperr.CodeServiceUnavailable, apperr.CategoryTransient},
		{"validation", &types.ValidationException{}, apperr.CodeBadRequest, apperr.CategoryPermanent},
		{"access denied", &types.AccessDeniedException{}, apperr.CodeUnauthorized, apperr.CategoryCritical},
		{"model not found", &types.ResourceNotFoundException{}, apperr.CodeBadRequest, apperr.CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapBedrockError(tt.err)
			ae := apperr.AsAppError(got)
			if !apperr.IsAppError(got) {
				t.Fatalf("mapBedrockError() type = %T, want *apperr.AppError", got)
			}
			if ae.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", ae.Code, tt.wantCode)
			}
			if ae.Category != tt.wantCategory {
				t.Errorf("Category = %v, want %v", ae.Category, tt.wantCategory)
			}
		})
	}
}

type stubSecretStore struct {
	secrets map[string]string
}

func (s *stubSecretStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := s.secrets[key]; ok {
		return v, nil
	}
	return "", apperr.MissingKey(key)
}

func (s *stubSecretStore) Invalidate(string) {}

// TestBuildProviders tests the factory: priority ordering, skipping
// disabled providers and providers without credentials.
func TestBuildProviders(t *testing.T) {
	secrets := &stubSecretStore{secrets: map[string]string{
		SecretOpenAIKey: "sk-test",
	}}
	cfgs := []domain.ProviderConfig{
		{Name: ProviderAnthropic, Priority: 1, Enabled: true}, // 키 없음, 건너뜀
		{Name: ProviderOpenAI, Priority: 2, Enabled: true},
		{Name: ProviderBedrock, Priority: 3, Enabled: false},
	}

	providers, err := Build(context.Background(), cfgs, secrets, zerolog.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(providers) != 1 {
		t.Fatalf("len(providers) = %d, want 1", len(providers))
	}
	if providers[0].Name() != ProviderOpenAI {
		t.Errorf("provider = %v, want %v", providers[0].Name(), ProviderOpenAI)
	}
}

// TestBuildProvidersUnknownName tests that an unrecognized provider name
// fails construction.
func TestBuildProvidersUnknownName(t *testing.T) {
	cfgs := []domain.ProviderConfig{{Name: "gemini", Priority: 1, Enabled: true}}
	_, err := Build(context.Background(), cfgs, &stubSecretStore{}, zerolog.Nop())
	if err == nil {
		t.Fatal("Build() error = nil, want config error")
	}
}

// TestBuildProvidersNoneUsable tests that zero usable providers is a
// configuration error rather than a silent empty slice.
func TestBuildProvidersNoneUsable(t *testing.T) {
	cfgs := []domain.ProviderConfig{
		{Name: ProviderOpenAI, Priority: 1, Enabled: true},
		{Name: ProviderAnthropic, Priority: 2, Enabled: true},
	}
	_, err := Build(context.Background(), cfgs, &stubSecretStore{}, zerolog.Nop())
	if err == nil {
		t.Fatal("Build() error = nil, want config error")
	}
	ae := apperr.AsAppError(err)
	if !apperr.IsAppError(err) || ae.Code != apperr.CodeConfigError {
		t.Errorf("error = %v, want CONFIG_ERROR", err)
	}
}

// TestAdapterDefaults tests that adapters fall back to their default model
// when the config leaves it blank.
func TestAdapterDefaults(t *testing.T) {
	oa := NewOpenAIAdapter("sk-test", domain.ProviderConfig{Name: ProviderOpenAI})
	if oa.ModelID() != defaultOpenAIModel {
		t.Errorf("openai ModelID() = %v, want %v", oa.ModelID(), defaultOpenAIModel)
	}

	an := NewAnthropicAdapter("sk-ant", domain.ProviderConfig{Name: ProviderAnthropic})
	if an.ModelID() != defaultAnthropicModel {
		t.Errorf("anthropic ModelID() = %v, want %v", an.ModelID(), defaultAnthropicModel)
	}

	custom := NewOpenAIAdapter("sk-test", domain.ProviderConfig{Name: ProviderOpenAI, ModelID: "gpt-4o"})
	if custom.ModelID() != "gpt-4o" {
		t.Errorf("custom ModelID() = %v, want gpt-4o", custom.ModelID())
	}
}
