package llm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const (
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// ProviderConfig selects and configures the backing model API.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

func (c ProviderConfig) needsKey() bool {
	return c.Provider != ProviderOllama
}

// NewModel builds the langchaingo model for cfg.
func NewModel(ctx context.Context, cfg ProviderConfig) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		return openai.New(opts...)
	case ProviderGoogleAI:
		opts := []googleai.Option{googleai.WithAPIKey(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, googleai.WithDefaultModel(cfg.Model))
		}
		return googleai.New(ctx, opts...)
	case ProviderOllama:
		opts := []ollama.Option{}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		return ollama.New(opts...)
	default:
		return nil, errors.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// New builds a Service for cfg. A missing API key is not an error: the
// server still starts, reports itself unconfigured and rejects chats.
func New(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.needsKey() && cfg.APIKey == "" {
		logger.Warn("no API key configured; chat requests will be rejected",
			zap.String("provider", cfg.Provider))
		return NewService(nil, cfg.Model, cfg.Timeout, logger), nil
	}

	model, err := NewModel(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "initialize %s provider", cfg.Provider)
	}
	logger.Info("completion provider configured",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model))
	return NewService(model, cfg.Model, cfg.Timeout, logger), nil
}
