package provider

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

const ProviderOpenAI = "openai"

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIAdapter speaks the chat-completions API with a forced JSON response
// format for extraction.
type OpenAIAdapter struct {
	client *openai.Client
	cfg    domain.ProviderConfig
}

var _ out.LLMProvider = (*OpenAIAdapter)(nil)

func NewOpenAIAdapter(apiKey string, cfg domain.ProviderConfig) *OpenAIAdapter {
	if cfg.ModelID == "" {
		cfg.ModelID = defaultOpenAIModel
	}
	return &OpenAIAdapter{
		client: openai.NewClient(apiKey),
		cfg:    cfg,
	}
}

func (a *OpenAIAdapter) Name() string    { return ProviderOpenAI }
func (a *OpenAIAdapter) ModelID() string { return a.cfg.ModelID }

func (a *OpenAIAdapter) timeout() time.Duration {
	if a.cfg.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.cfg.TimeoutMS) * time.Millisecond
}

func (a *OpenAIAdapter) Extract(ctx context.Context, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.cfg.ModelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildExtractionUserPrompt(in)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.SchemaViolation(ProviderOpenAI, errors.New("empty choices"))
	}

	entities, err := parseExtraction(ProviderOpenAI, resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	entities.ProviderName = ProviderOpenAI
	entities.ModelID = a.cfg.ModelID
	entities.InputTokens = resp.Usage.PromptTokens
	entities.OutputTokens = resp.Usage.CompletionTokens
	entities.LatencyMS = latency
	return entities, nil
}

func (a *OpenAIAdapter) Complete(ctx context.Context, system, user string) (*out.CompletionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.cfg.ModelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.SchemaViolation(ProviderOpenAI, errors.New("empty choices"))
	}

	return &out.CompletionResult{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		LatencyMS:    latency,
	}, nil
}

// mapOpenAIError classifies SDK errors once, at the adapter boundary.
func mapOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout("openai request", err).WithService(ProviderOpenAI)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperr.FromHTTPStatus(ProviderOpenAI, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return apperr.FromHTTPStatus(ProviderOpenAI, reqErr.HTTPStatusCode, err)
		}
		return apperr.ConnectionFailed(ProviderOpenAI, err)
	}
	return apperr.ConnectionFailed(ProviderOpenAI, err)
}
