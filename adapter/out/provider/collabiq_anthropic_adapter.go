package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

const ProviderAnthropic = "anthropic"

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

const anthropicMaxTokens = 1024

// AnthropicAdapter speaks the messages API. Anthropic has no forced JSON
// mode, so extraction relies on the shared prompt and fence stripping.
type AnthropicAdapter struct {
	client anthropic.Client
	cfg    domain.ProviderConfig
}

var _ out.LLMProvider = (*AnthropicAdapter)(nil)

func NewAnthropicAdapter(apiKey string, cfg domain.ProviderConfig) *AnthropicAdapter {
	if cfg.ModelID == "" {
		cfg.ModelID = defaultAnthropicModel
	}
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		cfg:    cfg,
	}
}

func (a *AnthropicAdapter) Name() string    { return ProviderAnthropic }
func (a *AnthropicAdapter) ModelID() string { return a.cfg.ModelID }

func (a *AnthropicAdapter) timeout() time.Duration {
	if a.cfg.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.cfg.TimeoutMS) * time.Millisecond
}

func (a *AnthropicAdapter) message(ctx context.Context, system, user string) (*anthropic.Message, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.ModelID),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		Temperature: anthropic.Float(0.1),
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, latency, mapAnthropicError(err)
	}
	return msg, latency, nil
}

func messageText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func (a *AnthropicAdapter) Extract(ctx context.Context, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	msg, latency, err := a.message(ctx, extractionSystemPrompt, buildExtractionUserPrompt(in))
	if err != nil {
		return nil, err
	}

	entities, err := parseExtraction(ProviderAnthropic, messageText(msg))
	if err != nil {
		return nil, err
	}
	entities.ProviderName = ProviderAnthropic
	entities.ModelID = a.cfg.ModelID
	entities.InputTokens = int(msg.Usage.InputTokens)
	entities.OutputTokens = int(msg.Usage.OutputTokens)
	entities.LatencyMS = latency
	return entities, nil
}

func (a *AnthropicAdapter) Complete(ctx context.Context, system, user string) (*out.CompletionResult, error) {
	msg, latency, err := a.message(ctx, system, user)
	if err != nil {
		return nil, err
	}

	return &out.CompletionResult{
		Text:         messageText(msg),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		LatencyMS:    latency,
	}, nil
}

// mapAnthropicError classifies SDK errors, carrying Retry-After on 429.
func mapAnthropicError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout("anthropic request", err).WithService(ProviderAnthropic)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		mapped := apperr.FromHTTPStatus(ProviderAnthropic, apiErr.StatusCode, err)
		if apiErr.StatusCode == http.StatusTooManyRequests && apiErr.Response != nil {
			if ra := apiErr.Response.Header.Get("retry-after"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
					mapped = mapped.WithRetryAfter(time.Duration(secs) * time.Second)
				}
			}
		}
		return mapped
	}
	return apperr.ConnectionFailed(ProviderAnthropic, err)
}
