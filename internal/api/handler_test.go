package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/chatpad/internal/chat"
	"github.com/RichardoC/chatpad/internal/db"
	"github.com/RichardoC/chatpad/internal/llm"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/RichardoC/chatpad/internal/session"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel answers every request through GenerateFunc and streams the
// answer word by word when asked to.
type fakeModel struct {
	GenerateFunc func(ctx context.Context, messages []llms.MessageContent) (string, error)
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	text, err := f.GenerateFunc(ctx, messages)
	if err != nil {
		return nil, err
	}
	if opts.StreamingFunc != nil {
		for i, word := range strings.SplitAfter(text, " ") {
			if word == "" && i > 0 {
				continue
			}
			if err := opts.StreamingFunc(ctx, []byte(word)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        text,
		GenerationInfo: map[string]any{"PromptTokens": 3, "CompletionTokens": 2, "TotalTokens": 5},
	}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

type testServer struct {
	*httptest.Server
	model   *fakeModel
	client  *http.Client
	handler http.Handler
}

func newTestServer(t *testing.T, configured bool) *testServer {
	t.Helper()
	store, err := db.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	model := &fakeModel{GenerateFunc: func(context.Context, []llms.MessageContent) (string, error) {
		return "hi there", nil
	}}
	var svc *llm.Service
	if configured {
		svc = llm.NewService(model, "gemini-1.5-flash", time.Second, nil)
	} else {
		svc = llm.NewService(nil, "gemini-1.5-flash", time.Second, nil)
	}

	catalog := llm.NewCatalog([]string{"gemini-1.5-flash", "gemini-1.5-pro"})
	resolver := session.NewResolver(store, session.NewMemoryBindings(), nil)
	orch := chat.NewOrchestrator(store, resolver, svc, chat.Options{DefaultModel: catalog.Default()}, nil)
	handler := NewHandler(orch, svc, catalog, Options{}, nil)

	routes := handler.Routes()
	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testServer{Server: srv, model: model, client: &http.Client{Jar: jar}, handler: routes}
}

func (s *testServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type chatResponse struct {
	Response  string       `json:"response"`
	SessionID string       `json:"session_id"`
	Model     string       `json:"model"`
	Usage     models.Usage `json:"usage"`
}

func TestChatAndHistory(t *testing.T) {
	s := newTestServer(t, true)

	var reply chatResponse
	code := s.do(t, http.MethodPost, "/api/chat", `{"message":"hello","model":"gemini-1.5-flash","personality":"default","temperature":0.7}`, &reply)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hi there", reply.Response)
	assert.Equal(t, 5, reply.Usage.TotalTokens)
	assert.NotEmpty(t, reply.SessionID)

	var hist HistoryResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/history", "", &hist))
	assert.Equal(t, reply.SessionID, hist.SessionID)
	require.Len(t, hist.History, 2)
	assert.Equal(t, models.RoleUser, hist.History[0].Role)
	assert.Equal(t, "hello", hist.History[0].Content)
	assert.Equal(t, models.RoleAssistant, hist.History[1].Role)
	assert.Equal(t, "hi there", hist.History[1].Content)
	assert.Equal(t, "gemini-1.5-flash", hist.Model)

	var list ConversationsResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/conversations", "", &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "hello", list.Conversations[0].Preview)
	assert.Equal(t, reply.SessionID, list.Conversations[0].ID)

	// the cookie keeps the second message in the same conversation
	var second chatResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"again"}`, &second))
	assert.Equal(t, reply.SessionID, second.SessionID)
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(t, true)

	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"message":""}`},
		{"blank", `{"message":"   "}`},
		{"bad json", `{"message":`},
		{"temperature", `{"message":"x","temperature":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/chat", tt.body, &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}

	var list ConversationsResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/conversations", "", &list))
	assert.Empty(t, list.Conversations)
}

func TestChatUnconfigured(t *testing.T) {
	s := newTestServer(t, false)

	var resp ErrorResponse
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodPost, "/api/chat", `{"message":"hello"}`, &resp))

	var status ServerStatus
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/status", "", &status))
	assert.False(t, status.APIConfigured)
	assert.False(t, status.ActiveSession)
}

func TestChatGenerationFailureKeepsUserMessage(t *testing.T) {
	s := newTestServer(t, true)
	s.model.GenerateFunc = func(context.Context, []llms.MessageContent) (string, error) {
		return "", errors.New("API returned unexpected status code: 429: quota exceeded")
	}

	var resp ErrorResponse
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodPost, "/api/chat", `{"message":"hello"}`, &resp))
	assert.True(t, resp.Retryable)
	assert.Contains(t, resp.Error, "429")

	var hist HistoryResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/history", "", &hist))
	require.Len(t, hist.History, 1)
	assert.Equal(t, "hello", hist.History[0].Content)
}

func TestLoadResetDelete(t *testing.T) {
	s := newTestServer(t, true)

	var first chatResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"first"}`, &first))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/reset", "", nil))

	var hist HistoryResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/history", "", &hist))
	assert.Empty(t, hist.History)
	assert.Empty(t, hist.SessionID)
	assert.Equal(t, llm.DefaultPersonality, hist.Personality)

	var second chatResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"second"}`, &second))
	assert.NotEqual(t, first.SessionID, second.SessionID)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/load/does-not-exist", "", &errResp))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/history", "", &hist))
	assert.Equal(t, second.SessionID, hist.SessionID, "failed load leaves the session alone")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/load/"+first.SessionID, "", nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/history", "", &hist))
	assert.Equal(t, first.SessionID, hist.SessionID)
	assert.Equal(t, "first", hist.History[0].Content)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/delete/"+first.SessionID, "", nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/delete/"+first.SessionID, "", nil))

	hist = HistoryResponse{}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/history", "", &hist))
	assert.Empty(t, hist.History, "deleting the bound conversation clears the session")

	var list ConversationsResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/conversations", "", &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, second.SessionID, list.Conversations[0].ID)
}

func TestConversationsMostRecentFirst(t *testing.T) {
	s := newTestServer(t, true)

	var a, b chatResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"a"}`, &a))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/reset", "", nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"b"}`, &b))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/load/"+a.SessionID, "", nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"a again"}`, nil))

	var list ConversationsResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/conversations", "", &list))
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, a.SessionID, list.Conversations[0].ID)
	assert.Equal(t, b.SessionID, list.Conversations[1].ID)
}

func readEvents(t *testing.T, resp *http.Response) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestChatStream(t *testing.T) {
	for _, path := range []string{"/api/chat/stream", "/api/chat"} {
		t.Run(path, func(t *testing.T) {
			s := newTestServer(t, true)
			resp, err := s.client.Post(s.URL+path, "application/json", strings.NewReader(`{"message":"hello","stream":true}`))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

			events := readEvents(t, resp)
			require.Len(t, events, 3)
			assert.Equal(t, "hi ", events[0].Chunk)
			assert.Equal(t, "there", events[1].Chunk)
			last := events[2]
			assert.True(t, last.Done)
			assert.Equal(t, "hi there", last.FullResponse)
			require.NotNil(t, last.Usage)
			assert.Equal(t, 5, last.Usage.TotalTokens)

			var hist HistoryResponse
			require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/history", "", &hist))
			assert.Len(t, hist.History, 2)
		})
	}
}

func TestChatStreamFailure(t *testing.T) {
	s := newTestServer(t, true)
	s.model.GenerateFunc = func(context.Context, []llms.MessageContent) (string, error) {
		return "", errors.New("API returned unexpected status code: 401: invalid api key")
	}

	resp, err := s.client.Post(s.URL+"/api/chat/stream", "application/json", strings.NewReader(`{"message":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, resp)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].Error)
	assert.False(t, events[0].Retryable)
}

func TestMetadataEndpoints(t *testing.T) {
	s := newTestServer(t, true)

	var modelsResp map[string]llm.ModelInfo
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/models", "", &modelsResp))
	assert.Contains(t, modelsResp, "gemini-1.5-pro")

	var personalities []string
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/personalities", "", &personalities))
	assert.Contains(t, personalities, "coding")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"hello"}`, nil))

	var status ServerStatus
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/status", "", &status))
	assert.True(t, status.APIConfigured)
	assert.True(t, status.ActiveSession)
	assert.Equal(t, []string{"gemini-1.5-flash", "gemini-1.5-pro"}, status.ModelsAvailable)

	var conv models.Conversation
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/export", "", &conv))
	assert.Len(t, conv.Messages, 2)

	var notFound ErrorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/nope", "", &notFound))
}

func TestExportWithoutConversation(t *testing.T) {
	s := newTestServer(t, true)
	var resp ErrorResponse
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/export", "", &resp))
}

func TestSearchEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat", `{"message":"tell me about walruses"}`, nil))

	var found SearchResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/search?q=walrus", "", &found))
	require.Len(t, found.Results, 1)
	assert.Equal(t, models.RoleUser, found.Results[0].Role)

	var resp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/search?q=", "", &resp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/search?q=x&limit=-1", "", &resp))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Wrap(models.ErrNotFound, "load"), http.StatusNotFound},
		{errors.Wrap(models.ErrValidation, "empty"), http.StatusBadRequest},
		{&models.GenerationError{Cause: errors.New("x"), Retryable: true}, http.StatusServiceUnavailable},
		{&models.GenerationError{Cause: errors.New("x")}, http.StatusBadGateway},
		{llm.ErrNotConfigured, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
	assert.Equal(t, "Internal server error", errorBody(errors.New("secret detail")).Error)
}

func TestChatCompletesAfterClientGivesUp(t *testing.T) {
	s := newTestServer(t, true)
	s.model.GenerateFunc = func(ctx context.Context, _ []llms.MessageContent) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "hi there", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hello"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	hreq := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	for _, c := range rec.Result().Cookies() {
		hreq.AddCookie(c)
	}
	hrec := httptest.NewRecorder()
	s.handler.ServeHTTP(hrec, hreq)
	require.Equal(t, http.StatusOK, hrec.Code)

	var hist HistoryResponse
	require.NoError(t, json.NewDecoder(hrec.Body).Decode(&hist))
	require.Len(t, hist.History, 2)
	assert.Equal(t, "hi there", hist.History[1].Content)
}
