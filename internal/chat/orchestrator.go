// Package chat runs a chat exchange against a stored conversation.
//
// An exchange appends the user message, asks the completion collaborator for
// a reply and appends that reply only if generation succeeded. A stored
// transcript therefore never holds a reply without its prompt, and a failed
// generation leaves a trailing user message that is safe to retry.
// Exchanges on one conversation are serialized; different conversations
// proceed independently.
package chat

import (
	"context"
	"strings"

	"github.com/RichardoC/chatpad/internal/db"
	"github.com/RichardoC/chatpad/internal/llm"
	"github.com/RichardoC/chatpad/internal/lock"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/RichardoC/chatpad/internal/session"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultTemperature = 0.7
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
)

// Completer is the external completion collaborator.
type Completer interface {
	Complete(ctx context.Context, history []models.Message, params llm.Params, onChunk llm.ChunkFunc) (*llm.Completion, error)
}

type Options struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string
	// MaxHistoryTokens bounds the history sent with each request; zero sends
	// the whole conversation.
	MaxHistoryTokens int
	Counter          llm.TokenCounter
}

type Orchestrator struct {
	store     db.Store
	sessions  *session.Resolver
	completer Completer
	opts      Options
	locks     *lock.Keyed
	logger    *zap.Logger
}

func NewOrchestrator(store db.Store, sessions *session.Resolver, completer Completer, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Counter == nil {
		opts.Counter = llm.ApproxCounter{}
	}
	return &Orchestrator{
		store:     store,
		sessions:  sessions,
		completer: completer,
		opts:      opts,
		locks:     lock.NewKeyed(),
		logger:    logger,
	}
}

// Handle runs one exchange for the conversation bound to handle, creating
// the conversation if none is bound.
func (o *Orchestrator) Handle(ctx context.Context, handle string, req models.GenerationRequest) (*models.Reply, error) {
	return o.exchange(ctx, handle, req, nil)
}

// HandleStream is Handle with the reply also delivered chunk by chunk.
func (o *Orchestrator) HandleStream(ctx context.Context, handle string, req models.GenerationRequest, onChunk llm.ChunkFunc) (*models.Reply, error) {
	return o.exchange(ctx, handle, req, onChunk)
}

// Validate normalizes req in place and rejects what cannot be sent.
func (o *Orchestrator) Validate(req *models.GenerationRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return errors.Wrap(models.ErrValidation, "empty message")
	}
	if req.Temperature < MinTemperature || req.Temperature > MaxTemperature {
		return errors.Wrapf(models.ErrValidation, "temperature %.2f outside [%.1f, %.1f]", req.Temperature, MinTemperature, MaxTemperature)
	}
	if req.Model == "" {
		req.Model = o.opts.DefaultModel
	}
	req.Personality = llm.NormalizePersonality(req.Personality)
	return nil
}

func (o *Orchestrator) exchange(ctx context.Context, handle string, req models.GenerationRequest, onChunk llm.ChunkFunc) (*models.Reply, error) {
	if err := o.Validate(&req); err != nil {
		return nil, err
	}

	convID, unlock, err := o.begin(ctx, handle, req.Message)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := o.store.SetSettings(ctx, convID, req.Model, req.Personality); err != nil {
		return nil, errors.Wrap(err, "record conversation settings")
	}

	conv, err := o.store.Load(ctx, convID)
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	history := llm.Window(conv.Messages, o.opts.MaxHistoryTokens, o.opts.Counter)

	completion, err := o.completer.Complete(ctx, history, llm.Params{
		Model:       req.Model,
		Personality: req.Personality,
		Temperature: req.Temperature,
	}, onChunk)
	if err != nil {
		o.logger.Warn("generation failed; user message kept",
			zap.String("conversation_id", convID),
			zap.Error(err))
		if errors.Is(err, llm.ErrNotConfigured) {
			return nil, err
		}
		return nil, llm.Classify(err)
	}

	if _, err := o.store.Append(ctx, convID, models.Message{Role: models.RoleAssistant, Content: completion.Text}); err != nil {
		return nil, errors.Wrap(err, "append assistant message")
	}

	o.logger.Info("chat exchange completed",
		zap.String("conversation_id", convID),
		zap.String("model", req.Model),
		zap.Int("history", len(history)),
		zap.Int("total_tokens", completion.Usage.TotalTokens))

	model := completion.Model
	if model == "" {
		model = req.Model
	}
	return &models.Reply{
		ConversationID: convID,
		Text:           completion.Text,
		Model:          model,
		Usage:          completion.Usage,
	}, nil
}

// begin resolves the session, takes the conversation lock and appends the
// user message. If the conversation is deleted between resolving and
// locking, the session is resolved again onto a fresh conversation.
func (o *Orchestrator) begin(ctx context.Context, handle, text string) (string, func(), error) {
	for attempt := 0; ; attempt++ {
		convID, err := o.sessions.Resolve(ctx, handle)
		if err != nil {
			return "", nil, errors.Wrap(err, "resolve session")
		}

		unlock := o.locks.Lock(convID)
		_, err = o.store.Append(ctx, convID, models.Message{Role: models.RoleUser, Content: text})
		if err == nil {
			return convID, unlock, nil
		}
		unlock()
		if !errors.Is(err, models.ErrNotFound) || attempt > 0 {
			return "", nil, errors.Wrap(err, "append user message")
		}
		o.logger.Debug("conversation vanished before append; resolving again",
			zap.String("conversation_id", convID))
	}
}

// History returns the conversation bound to handle, or ok=false if none.
func (o *Orchestrator) History(ctx context.Context, handle string) (*models.Conversation, bool, error) {
	id, ok, err := o.sessions.Current(ctx, handle)
	if err != nil || !ok {
		return nil, false, err
	}
	conv, err := o.store.Load(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

func (o *Orchestrator) List(ctx context.Context) ([]models.Summary, error) {
	return o.store.ListSummaries(ctx)
}

// Load binds handle to an existing conversation.
func (o *Orchestrator) Load(ctx context.Context, handle, conversationID string) error {
	return o.sessions.Rebind(ctx, handle, conversationID)
}

// Reset unbinds handle so the next message starts a new conversation.
func (o *Orchestrator) Reset(ctx context.Context, handle string) error {
	return o.sessions.Clear(ctx, handle)
}

// Delete removes a conversation and invalidates every session bound to it.
func (o *Orchestrator) Delete(ctx context.Context, conversationID string) error {
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	if err := o.store.Delete(ctx, conversationID, false); err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	return o.sessions.Forget(ctx, conversationID)
}

func (o *Orchestrator) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.Wrap(models.ErrValidation, "empty query")
	}
	return o.store.Search(ctx, query, limit)
}
