package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

// Secret keys resolved at adapter construction.
const (
	SecretOpenAIKey    = "OPENAI_API_KEY"
	SecretAnthropicKey = "ANTHROPIC_API_KEY"
	SecretAWSRegion    = "AWS_REGION"
)

const defaultAWSRegion = "us-east-1"

// Build constructs the enabled adapters in priority order. A provider whose
// credentials are missing is skipped with a warning so the remaining
// providers keep the pipeline alive; zero usable providers is a
// configuration error.
func Build(ctx context.Context, cfgs []domain.ProviderConfig, secretStore out.SecretStore, log zerolog.Logger) ([]out.LLMProvider, error) {
	sorted := make([]domain.ProviderConfig, len(cfgs))
	copy(sorted, cfgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	var providers []out.LLMProvider
	for _, cfg := range sorted {
		if !cfg.Enabled {
			continue
		}

		adapter, err := build(ctx, cfg, secretStore)
		if err != nil {
			if apperr.IsCritical(err) {
				log.Warn().
					Str("component", "provider_factory").
					Str("operation", "build").
					Str("category", apperr.CategoryOf(err).String()).
					Err(err).
					Msgf("skipping provider %s: credentials unavailable", cfg.Name)
				continue
			}
			return nil, err
		}
		providers = append(providers, adapter)
	}

	if len(providers) == 0 {
		return nil, apperr.ConfigError("no usable LLM provider: check provider config and credentials")
	}
	return providers, nil
}

func build(ctx context.Context, cfg domain.ProviderConfig, secretStore out.SecretStore) (out.LLMProvider, error) {
	switch cfg.Name {
	case ProviderOpenAI:
		key, err := secretStore.Get(ctx, SecretOpenAIKey)
		if err != nil {
			return nil, err
		}
		return NewOpenAIAdapter(key, cfg), nil

	case ProviderAnthropic:
		key, err := secretStore.Get(ctx, SecretAnthropicKey)
		if err != nil {
			return nil, err
		}
		return NewAnthropicAdapter(key, cfg), nil

	case ProviderBedrock:
		region, err := secretStore.Get(ctx, SecretAWSRegion)
		if err != nil {
			region = defaultAWSRegion
		}
		return NewBedrockAdapter(ctx, region, cfg)

	default:
		return nil, apperr.ConfigError(fmt.Sprintf("unknown LLM provider %q", cfg.Name))
	}
}
