// Package client is the front-end side of chatpad: a controller that keeps a
// rendered transcript consistent with the server's session, independent of
// how it is drawn.
//
// A process runs exactly one Controller. It is created once when the front
// end starts and lives until the front end exits.
package client

import (
	"context"
	"strings"
	"sync"

	"github.com/RichardoC/chatpad/internal/chat"
	"github.com/RichardoC/chatpad/internal/llm"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrBusy is returned by Submit while a reply is still pending.
var ErrBusy = errors.New("a reply is already pending")

type State int

const (
	Idle State = iota
	AwaitingReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReply:
		return "awaiting-reply"
	default:
		return "unknown"
	}
}

// History is the server's view of the bound conversation.
type History struct {
	SessionID   string
	Messages    []models.Message
	Model       string
	Personality string
}

// API is the server surface the controller drives.
type API interface {
	Chat(ctx context.Context, req models.GenerationRequest) (*models.Reply, error)
	History(ctx context.Context) (*History, error)
	Conversations(ctx context.Context) ([]models.Summary, error)
	Load(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Reset(ctx context.Context) error
}

// View draws controller state. Its methods are called with the controller's
// lock held and must not call back into the controller.
type View interface {
	RenderTranscript(messages []models.Message)
	AppendMessage(msg models.Message)
	SetTyping(on bool)
	SetInputEnabled(enabled bool)
	Toast(text string, isError bool)
	Confirm(prompt string) bool
	RenderConversations(list []models.Summary, activeID string)
}

type Controller struct {
	api    API
	view   View
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	epoch         int
	sessionID     string
	transcript    []models.Message
	conversations []models.Summary
	model         string
	personality   string
	temperature   float64

	pending sync.WaitGroup
}

func NewController(api API, view View, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		api:         api,
		view:        view,
		logger:      logger,
		personality: llm.DefaultPersonality,
		temperature: chat.DefaultTemperature,
	}
}

// Init renders the server's current session and the conversation list.
func (c *Controller) Init(ctx context.Context) error {
	if err := c.reconcile(ctx); err != nil {
		return err
	}
	return c.RefreshConversations(ctx)
}

// Submit sends input as the next user message. The message is rendered
// immediately and the reply is awaited in the background; use Wait to block
// until it arrives. A second Submit while awaiting a reply returns ErrBusy.
func (c *Controller) Submit(ctx context.Context, input string) error {
	text := strings.TrimSpace(input)
	if text == "" {
		return errors.Wrap(models.ErrValidation, "empty message")
	}

	c.mu.Lock()
	if c.state == AwaitingReply {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = AwaitingReply
	epoch := c.epoch
	req := models.GenerationRequest{
		Message:     text,
		Model:       c.model,
		Personality: c.personality,
		Temperature: c.temperature,
	}
	msg := models.Message{Role: models.RoleUser, Content: text}
	c.transcript = append(c.transcript, msg)
	c.view.AppendMessage(msg)
	c.view.SetInputEnabled(false)
	c.view.SetTyping(true)
	c.mu.Unlock()

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		reply, err := c.api.Chat(ctx, req)
		applied, resync := c.receive(epoch, reply, err)
		if !applied {
			return
		}
		if resync {
			if err := c.reconcile(ctx); err != nil {
				c.settle(epoch)
			}
		}
		if err := c.RefreshConversations(ctx); err != nil {
			c.logger.Warn("refresh after reply failed", zap.Error(err))
		}
	}()
	return nil
}

// receive applies a finished exchange. applied is false when the reply
// belongs to a session the user has since switched away from. resync is true
// when the server may not hold the optimistically rendered user message; the
// message is withdrawn and the controller stays busy until the caller
// reconciles with the server.
func (c *Controller) receive(epoch int, reply *models.Reply, err error) (applied, resync bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch {
		c.logger.Debug("dropping reply for abandoned session", zap.Error(err))
		return false, false
	}

	c.view.SetTyping(false)
	if err != nil {
		c.logger.Warn("chat failed", zap.Error(err))
		c.view.Toast(errorText(err), true)
		if _, ok := models.IsGenerationFailure(err); !ok {
			// Only a failed generation leaves the user message stored.
			if n := len(c.transcript); n > 0 && c.transcript[n-1].Role == models.RoleUser {
				c.transcript = c.transcript[:n-1]
			}
			c.view.RenderTranscript(c.transcript)
			return true, true
		}
	} else {
		msg := models.Message{Role: models.RoleAssistant, Content: reply.Text}
		c.transcript = append(c.transcript, msg)
		c.sessionID = reply.ConversationID
		c.view.AppendMessage(msg)
	}
	c.state = Idle
	c.view.SetInputEnabled(true)
	return true, false
}

// settle returns the controller to idle if it is still serving epoch.
func (c *Controller) settle(epoch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.state != AwaitingReply {
		return
	}
	c.state = Idle
	c.view.SetInputEnabled(true)
}

// Wait blocks until no reply is pending.
func (c *Controller) Wait() {
	c.pending.Wait()
}

// NewConversation clears the server session and starts an empty transcript.
func (c *Controller) NewConversation(ctx context.Context) error {
	if err := c.api.Reset(ctx); err != nil {
		c.toastErr(err)
		return err
	}
	if err := c.reconcile(ctx); err != nil {
		return err
	}
	return c.RefreshConversations(ctx)
}

// LoadConversation binds the session to id and renders its stored history.
// On failure the current transcript is left as it was.
func (c *Controller) LoadConversation(ctx context.Context, id string) error {
	if err := c.api.Load(ctx, id); err != nil {
		c.toastErr(err)
		return err
	}
	if err := c.reconcile(ctx); err != nil {
		return err
	}
	return c.RefreshConversations(ctx)
}

// DeleteConversation removes id after the user confirms. Declining is not
// an error.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	if !c.view.Confirm("Delete this conversation? This cannot be undone.") {
		return nil
	}
	if err := c.api.Delete(ctx, id); err != nil {
		c.toastErr(err)
		return err
	}

	c.mu.Lock()
	active := id == c.sessionID
	c.view.Toast("Conversation deleted", false)
	c.mu.Unlock()

	if active {
		if err := c.reconcile(ctx); err != nil {
			return err
		}
	}
	return c.RefreshConversations(ctx)
}

// RefreshConversations re-renders the stored conversation list in server
// order.
func (c *Controller) RefreshConversations(ctx context.Context) error {
	list, err := c.api.Conversations(ctx)
	if err != nil {
		c.logger.Warn("list conversations failed", zap.Error(err))
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = list
	c.view.RenderConversations(list, c.sessionID)
	return nil
}

// reconcile replaces the transcript with the server's history and drops any
// reply still in flight for the previous session.
func (c *Controller) reconcile(ctx context.Context) error {
	h, err := c.api.History(ctx)
	if err != nil {
		c.toastErr(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if c.state == AwaitingReply {
		c.state = Idle
		c.view.SetTyping(false)
		c.view.SetInputEnabled(true)
	}
	c.sessionID = h.SessionID
	c.transcript = append([]models.Message(nil), h.Messages...)
	if h.Model != "" {
		c.model = h.Model
	}
	if h.Personality != "" {
		c.personality = h.Personality
	}
	c.view.RenderTranscript(c.transcript)
	return nil
}

func (c *Controller) toastErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.Toast(errorText(err), true)
}

func errorText(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "Conversation not found"
	case errors.Is(err, ErrBusy):
		return "Please wait for the current reply"
	}
	if genErr, ok := models.IsGenerationFailure(err); ok && genErr.Retryable {
		return genErr.Error() + " (you can resend your message)"
	}
	return err.Error()
}

func (c *Controller) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

func (c *Controller) SetPersonality(personality string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personality = llm.NormalizePersonality(personality)
}

// SetTemperature rejects values outside the range the server accepts.
func (c *Controller) SetTemperature(t float64) error {
	if t < chat.MinTemperature || t > chat.MaxTemperature {
		return errors.Wrapf(models.ErrValidation, "temperature %.2f outside [%.1f, %.1f]", t, chat.MinTemperature, chat.MaxTemperature)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temperature = t
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *Controller) Personality() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.personality
}

// Transcript returns a copy of the rendered messages.
func (c *Controller) Transcript() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.transcript...)
}

// Conversations returns the last rendered conversation list.
func (c *Controller) Conversations() []models.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Summary(nil), c.conversations...)
}
