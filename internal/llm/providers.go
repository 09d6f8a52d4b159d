// Package llm initializes chat model clients for the planner, verifier and
// reflector. All callers speak llms.Model; provider selection happens here
// and nowhere else.
package llm

import (
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/maghams62/auto-mac/internal/utils"
)

// Provider represents the available LLM providers.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Config holds configuration for LLM initialization.
type Config struct {
	Provider    Provider
	ModelID     string
	Temperature float64

	// FallbackModels are tried in order when the primary model fails to
	// initialize, typically on rate limiting.
	FallbackModels []string

	Logger utils.ExtendedLogger
}

// InitializeLLM creates a chat model for the configured provider.
func InitializeLLM(config Config) (llms.Model, error) {
	switch config.Provider {
	case ProviderOpenAI:
		return initializeWithFallback(config, initializeOpenAI)
	case ProviderAnthropic:
		return initializeWithFallback(config, initializeAnthropic)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", config.Provider)
	}
}

func initializeWithFallback(config Config, init func(Config) (llms.Model, error)) (llms.Model, error) {
	model, err := init(config)
	if err == nil {
		return model, nil
	}

	if len(config.FallbackModels) > 0 {
		config.Logger.Infof("Primary model failed, trying fallback models - primary_model: %s, fallback_models: %v, error: %s",
			config.ModelID, config.FallbackModels, err.Error())
		for _, fallback := range config.FallbackModels {
			fallbackConfig := config
			fallbackConfig.ModelID = fallback
			model, fallbackErr := init(fallbackConfig)
			if fallbackErr == nil {
				config.Logger.Infof("Successfully initialized fallback model - fallback_model: %s", fallback)
				return model, nil
			}
			config.Logger.Infof("Fallback model failed - fallback_model: %s, error: %s", fallback, fallbackErr.Error())
		}
	}
	return nil, fmt.Errorf("all %s models failed: %w", config.Provider, err)
}

func initializeOpenAI(config Config) (llms.Model, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
	}
	if config.ModelID != "" {
		opts = append(opts, openai.WithModel(config.ModelID))
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	return openai.New(opts...)
}

func initializeAnthropic(config Config) (llms.Model, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	opts := []anthropic.Option{
		anthropic.WithToken(apiKey),
	}
	if config.ModelID != "" {
		opts = append(opts, anthropic.WithModel(config.ModelID))
	}
	return anthropic.New(opts...)
}
