package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/RichardoC/chatpad/internal/api"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/pkg/errors"
)

// HTTPAPI talks to a chatpad server. Its cookie jar carries the session
// handle, so one HTTPAPI is one server-side session.
type HTTPAPI struct {
	base   *url.URL
	client *http.Client
}

func NewHTTPAPI(baseURL string, timeout time.Duration) (*HTTPAPI, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}
	return &HTTPAPI{
		base:   base,
		client: &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

func (h *HTTPAPI) Chat(ctx context.Context, req models.GenerationRequest) (*models.Reply, error) {
	temp := req.Temperature
	body := api.ChatRequest{
		Message:     req.Message,
		Model:       req.Model,
		Personality: req.Personality,
		Temperature: &temp,
	}
	var reply models.Reply
	if err := h.do(ctx, http.MethodPost, "/api/chat", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (h *HTTPAPI) History(ctx context.Context) (*History, error) {
	var resp api.HistoryResponse
	if err := h.do(ctx, http.MethodGet, "/api/history", nil, &resp); err != nil {
		return nil, err
	}
	return &History{
		SessionID:   resp.SessionID,
		Messages:    resp.History,
		Model:       resp.Model,
		Personality: resp.Personality,
	}, nil
}

func (h *HTTPAPI) Conversations(ctx context.Context) ([]models.Summary, error) {
	var resp api.ConversationsResponse
	if err := h.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (h *HTTPAPI) Load(ctx context.Context, id string) error {
	return h.do(ctx, http.MethodPost, "/api/load/"+url.PathEscape(id), nil, nil)
}

func (h *HTTPAPI) Delete(ctx context.Context, id string) error {
	return h.do(ctx, http.MethodDelete, "/api/delete/"+url.PathEscape(id), nil, nil)
}

func (h *HTTPAPI) Reset(ctx context.Context) error {
	return h.do(ctx, http.MethodPost, "/api/reset", nil, nil)
}

func (h *HTTPAPI) Search(ctx context.Context, query string) ([]models.SearchHit, error) {
	var resp api.SearchResponse
	if err := h.do(ctx, http.MethodGet, "/api/search?q="+url.QueryEscape(query), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (h *HTTPAPI) Status(ctx context.Context) (*api.ServerStatus, error) {
	var resp api.ServerStatus
	if err := h.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPAPI) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base.String()+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// decodeError turns an error response back into the error taxonomy the
// server reported it from.
func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		body.Error = resp.Status
	}
	cause := errors.New(strings.TrimPrefix(body.Error, "generation failed: "))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.Wrap(models.ErrNotFound, body.Error)
	case http.StatusBadRequest:
		return errors.Wrap(models.ErrValidation, body.Error)
	case http.StatusBadGateway:
		return &models.GenerationError{Cause: cause, Retryable: body.Retryable}
	case http.StatusServiceUnavailable:
		if body.Retryable {
			return &models.GenerationError{Cause: cause, Retryable: true}
		}
	}
	return errors.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
}
