package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/goccy/go-json"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

const ProviderBedrock = "bedrock"

const (
	defaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"
	bedrockAPIVersion   = "bedrock-2023-05-31"
	bedrockMaxTokens    = 1024
)

// BedrockAdapter invokes Anthropic models through the Bedrock runtime.
// Credentials come from the standard AWS chain.
type BedrockAdapter struct {
	client *bedrockruntime.Client
	cfg    domain.ProviderConfig
}

var _ out.LLMProvider = (*BedrockAdapter)(nil)

func NewBedrockAdapter(ctx context.Context, region string, cfg domain.ProviderConfig) (*BedrockAdapter, error) {
	if cfg.ModelID == "" {
		cfg.ModelID = defaultBedrockModel
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockAdapter{
		client: bedrockruntime.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

func (a *BedrockAdapter) Name() string    { return ProviderBedrock }
func (a *BedrockAdapter) ModelID() string { return a.cfg.ModelID }

func (a *BedrockAdapter) timeout() time.Duration {
	if a.cfg.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.cfg.TimeoutMS) * time.Millisecond
}

type bedrockContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockMessage struct {
	Role    string           `json:"role"`
	Content []bedrockContent `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

type bedrockResponse struct {
	Content    []bedrockContent `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *BedrockAdapter) invoke(ctx context.Context, system, user string) (*bedrockResponse, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAPIVersion,
		MaxTokens:        bedrockMaxTokens,
		System:           system,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContent{{Type: "text", Text: user}}},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal bedrock request: %w", err)
	}

	start := time.Now()
	resp, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.cfg.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, latency, mapBedrockError(err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, latency, apperr.SchemaViolation(ProviderBedrock, fmt.Errorf("invalid response body: %w", err))
	}
	return &parsed, latency, nil
}

func (r *bedrockResponse) text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func (a *BedrockAdapter) Extract(ctx context.Context, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	resp, latency, err := a.invoke(ctx, extractionSystemPrompt, buildExtractionUserPrompt(in))
	if err != nil {
		return nil, err
	}

	entities, err := parseExtraction(ProviderBedrock, resp.text())
	if err != nil {
		return nil, err
	}
	entities.ProviderName = ProviderBedrock
	entities.ModelID = a.cfg.ModelID
	entities.InputTokens = resp.Usage.InputTokens
	entities.OutputTokens = resp.Usage.OutputTokens
	entities.LatencyMS = latency
	return entities, nil
}

func (a *BedrockAdapter) Complete(ctx context.Context, system, user string) (*out.CompletionResult, error) {
	resp, latency, err := a.invoke(ctx, system, user)
	if err != nil {
		return nil, err
	}

	return &out.CompletionResult{
		Text:         resp.text(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		LatencyMS:    latency,
	}, nil
}

// mapBedrockError classifies the typed runtime exceptions.
func mapBedrockError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout("bedrock request", err).WithService(ProviderBedrock)
	}

	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return apperr.RateLimited(ProviderBedrock, 0).WithError(err)
	}
	var quota *types.ServiceQuotaExceededException
	if errors.As(err, &quota) {
		return apperr.RateLimited(ProviderBedrock, 0).WithError(err)
	}
	var modelTimeout *types.ModelTimeoutException
	if errors.As(err, &modelTimeout) {
		return apperr.Timeout("bedrock model", err).WithService(ProviderBedrock)
	}
	var notReady *types.ModelNotReadyException
	if errors.As(err, &notReady) {
		return apperr.ServiceUnavailable(ProviderBedrock, 503, err)
	}
	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return apperr.ServiceUnavailable(ProviderBedrock, 500, err)
	}
	var modelErr *types.ModelErrorException
	if errors.As(err, &modelErr) {
		return apperr.ServiceUnavailable(ProviderBedrock, 500, err)
	}
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return apperr.BadRequest(ProviderBedrock, "bedrock rejected the request", err)
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return apperr.Unauthorized(ProviderBedrock, err)
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return apperr.BadRequest(ProviderBedrock, "bedrock model not found", err)
	}
	return apperr.ConnectionFailed(ProviderBedrock, err)
}
