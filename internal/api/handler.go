package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/RichardoC/chatpad/internal/chat"
	"github.com/RichardoC/chatpad/internal/llm"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/RichardoC/chatpad/internal/session"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultCookieName  = "chatpad_session"
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// Generator reports whether the completion provider can be reached at all.
type Generator interface {
	Configured() bool
}

type Options struct {
	CookieName string
	// StaticDir, when set, is served at "/".
	StaticDir string
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
}

type Handler struct {
	chat    *chat.Orchestrator
	llm     Generator
	catalog *llm.Catalog
	opts    Options
	logger  *zap.Logger
}

func NewHandler(orchestrator *chat.Orchestrator, generator Generator, catalog *llm.Catalog, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	return &Handler{
		chat:    orchestrator,
		llm:     generator,
		catalog: catalog,
		opts:    opts,
		logger:  logger,
	}
}

// Routes returns the mux serving the JSON API and, optionally, static files.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", h.HandleChat)
	mux.HandleFunc("POST /api/chat/stream", h.HandleChatStream)
	mux.HandleFunc("GET /api/conversations", h.GetConversations)
	mux.HandleFunc("GET /api/history", h.GetHistory)
	mux.HandleFunc("POST /api/load/{id}", h.LoadConversation)
	mux.HandleFunc("DELETE /api/delete/{id}", h.DeleteConversation)
	mux.HandleFunc("POST /api/reset", h.Reset)
	mux.HandleFunc("GET /api/models", h.GetModels)
	mux.HandleFunc("GET /api/personalities", h.GetPersonalities)
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/export", h.Export)
	mux.HandleFunc("GET /api/search", h.Search)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found"})
	})
	if h.opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(h.opts.StaticDir)))
	}
	return mux
}

// ChatRequest is the body of POST /api/chat. A missing temperature means
// the default.
type ChatRequest struct {
	Message     string   `json:"message"`
	Model       string   `json:"model"`
	Personality string   `json:"personality"`
	Temperature *float64 `json:"temperature"`
	Stream      bool     `json:"stream"`
}

func (c ChatRequest) generation() models.GenerationRequest {
	temp := chat.DefaultTemperature
	if c.Temperature != nil {
		temp = *c.Temperature
	}
	return models.GenerationRequest{
		Message:     c.Message,
		Model:       c.Model,
		Personality: c.Personality,
		Temperature: temp,
		Stream:      c.Stream,
	}
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type HistoryResponse struct {
	History     []models.Message `json:"history"`
	SessionID   string           `json:"session_id,omitempty"`
	Model       string           `json:"model"`
	Personality string           `json:"personality"`
}

type ConversationsResponse struct {
	Conversations []models.Summary `json:"conversations"`
}

type ServerStatus struct {
	APIConfigured          bool     `json:"api_configured"`
	ModelsAvailable        []string `json:"models_available"`
	PersonalitiesAvailable []string `json:"personalities_available"`
	ActiveSession          bool     `json:"active_session"`
}

type SearchResponse struct {
	Query   string             `json:"query"`
	Results []models.SearchHit `json:"results"`
}

// handle returns the caller's session handle, issuing a cookie on first use.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.opts.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	handle := session.NewHandle()
	http.SetCookie(w, &http.Cookie{
		Name:     h.opts.CookieName,
		Value:    handle,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	// later reads within this request see the new handle
	r.AddCookie(&http.Cookie{Name: h.opts.CookieName, Value: handle})
	return handle
}

// prepare decodes and validates a chat request. It writes the error response
// itself and returns ok=false when the request cannot proceed.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (models.GenerationRequest, bool) {
	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, r, errors.Wrap(models.ErrValidation, "invalid request body"))
		return models.GenerationRequest{}, false
	}
	req := body.generation()
	if err := h.chat.Validate(&req); err != nil {
		h.fail(w, r, err)
		return models.GenerationRequest{}, false
	}
	if !h.llm.Configured() {
		h.fail(w, r, llm.ErrNotConfigured)
		return models.GenerationRequest{}, false
	}
	return req, true
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.prepare(w, r)
	if !ok {
		return
	}
	handle := h.handle(w, r)
	if req.Stream {
		h.stream(w, r, handle, req)
		return
	}

	// A client that stops waiting does not abort the exchange; the reply is
	// still stored and shows up in its history.
	reply, err := h.chat.Handle(context.WithoutCancel(r.Context()), handle, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.prepare(w, r)
	if !ok {
		return
	}
	h.stream(w, r, h.handle(w, r), req)
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.chat.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []models.Summary{}
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(summaries)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))

	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: summaries})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	conv, ok, err := h.chat.History(r.Context(), h.handle(w, r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, HistoryResponse{
			History:     []models.Message{},
			Model:       h.catalog.Default(),
			Personality: llm.DefaultPersonality,
		})
		return
	}

	resp := HistoryResponse{
		History:     conv.Messages,
		SessionID:   conv.ID,
		Model:       conv.Model,
		Personality: conv.Personality,
	}
	if resp.History == nil {
		resp.History = []models.Message{}
	}
	if resp.Model == "" {
		resp.Model = h.catalog.Default()
	}
	if resp.Personality == "" {
		resp.Personality = llm.DefaultPersonality
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) LoadConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.chat.Load(r.Context(), h.handle(w, r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("Loaded conversation", zap.String("conversation_id", id))
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success"})
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.chat.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("Deleted conversation", zap.String("conversation_id", id))
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success"})
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Reset(r.Context(), h.handle(w, r)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success"})
}

func (h *Handler) GetModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.ByName())
}

func (h *Handler) GetPersonalities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, llm.Personalities())
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	active := false
	if c, err := r.Cookie(h.opts.CookieName); err == nil && c.Value != "" {
		_, ok, err := h.chat.History(r.Context(), c.Value)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		active = ok
	}
	writeJSON(w, http.StatusOK, ServerStatus{
		APIConfigured:          h.llm.Configured(),
		ModelsAvailable:        h.catalog.Names(),
		PersonalitiesAvailable: llm.Personalities(),
		ActiveSession:          active,
	})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	conv, ok, err := h.chat.History(r.Context(), h.handle(w, r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "No conversation found"})
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="conversation-`+conv.ID+`.json"`)
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := defaultSearchLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.fail(w, r, errors.Wrapf(models.ErrValidation, "invalid limit %q", s))
			return
		}
		limit = min(n, maxSearchLimit)
	}

	hits, err := h.chat.Search(r.Context(), query, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: query, Results: hits})
}

// StatusCode maps an error to the HTTP status it is reported with.
func StatusCode(err error) int {
	if genErr, ok := models.IsGenerationFailure(err); ok {
		if genErr.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody hides internal failures behind a generic message.
func errorBody(err error) ErrorResponse {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		return ErrorResponse{Error: "Internal server error"}
	}
	resp := ErrorResponse{Error: err.Error()}
	if genErr, ok := models.IsGenerationFailure(err); ok {
		resp.Retryable = genErr.Retryable
	}
	return resp
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	log := h.logger.Warn
	if code >= http.StatusInternalServerError {
		log = h.logger.Error
	}
	log("Request failed",
		zap.Error(err),
		zap.Int("status", code),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))
	writeJSON(w, code, errorBody(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
