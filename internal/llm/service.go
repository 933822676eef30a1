package llm

import (
	"context"
	"strings"
	"time"

	"github.com/RichardoC/chatpad/internal/models"
	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no provider credentials were supplied.
var ErrNotConfigured = errors.New("completion provider not configured")

// Params are the per-request generation settings.
type Params struct {
	Model       string
	Personality string
	Temperature float64
}

// Completion is a successful model reply.
type Completion struct {
	Text  string
	Model string
	Usage models.Usage
}

// ChunkFunc receives streamed text as it arrives. Returning an error aborts
// the generation.
type ChunkFunc func(chunk string) error

// Service sends conversation history to a langchaingo model.
type Service struct {
	llm          llms.Model
	defaultModel string
	timeout      time.Duration
	logger       *zap.Logger
}

// NewService wraps model. A nil model yields a Service whose calls fail
// with ErrNotConfigured.
func NewService(model llms.Model, defaultModel string, timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{llm: model, defaultModel: defaultModel, timeout: timeout, logger: logger}
}

func (s *Service) Configured() bool {
	return s.llm != nil
}

func (s *Service) DefaultModel() string {
	return s.defaultModel
}

// Complete generates the assistant reply to history. When onChunk is non-nil
// the reply is streamed through it as well as returned whole.
func (s *Service) Complete(ctx context.Context, history []models.Message, params Params, onChunk ChunkFunc) (*Completion, error) {
	if s.llm == nil {
		return nil, ErrNotConfigured
	}

	model := params.Model
	if model == "" {
		model = s.defaultModel
	}

	content := make([]llms.MessageContent, 0, len(history)+1)
	content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, SystemPrompt(params.Personality)))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case models.RoleAssistant:
			content = append(content, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		}
	}

	opts := []llms.CallOption{
		llms.WithTemperature(params.Temperature),
	}
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	if onChunk != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return onChunk(string(chunk))
		}))
	}

	// Get response from LLM with timeout
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		genErr := Classify(err)
		s.logger.Warn("completion failed",
			zap.String("model", model),
			zap.Bool("retryable", genErr.Retryable),
			zap.Error(err))
		return nil, genErr
	}
	if len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, &models.GenerationError{Cause: errors.New("model returned no choices")}
	}

	choice := resp.Choices[0]
	if strings.TrimSpace(choice.Content) == "" {
		return nil, &models.GenerationError{Cause: errors.Errorf("model returned an empty reply (stop reason %q)", choice.StopReason)}
	}

	usage := UsageFrom(choice.GenerationInfo)
	s.logger.Debug("completion finished",
		zap.String("model", model),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &Completion{Text: choice.Content, Model: model, Usage: usage}, nil
}

// Prompt sends a single prompt with no history or system instructions.
func (s *Service) Prompt(ctx context.Context, prompt string) (string, error) {
	if s.llm == nil {
		return "", ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt)
	if err != nil {
		return "", Classify(err)
	}
	return completion, nil
}

// UsageFrom reads token counts from a provider's generation info. OpenAI and
// Ollama report CamelCase keys, Google AI snake_case ones.
func UsageFrom(info map[string]any) models.Usage {
	return models.Usage{
		PromptTokens:     firstInt(info, "PromptTokens", "input_tokens"),
		CompletionTokens: firstInt(info, "CompletionTokens", "output_tokens"),
		TotalTokens:      firstInt(info, "TotalTokens", "total_tokens"),
	}
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
