package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/RichardoC/chatpad/internal/models"
	"go.uber.org/zap"
)

// StreamEvent is one Server-Sent Event of a streamed reply. Exactly one of
// Chunk, Done or Error is meaningful per event.
type StreamEvent struct {
	Chunk        string        `json:"chunk,omitempty"`
	Done         bool          `json:"done,omitempty"`
	FullResponse string        `json:"full_response,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	Usage        *models.Usage `json:"usage,omitempty"`
	Error        string        `json:"error,omitempty"`
	Retryable    bool          `json:"retryable,omitempty"`
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, handle string, req models.GenerationRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("Streaming unsupported by response writer")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	reply, err := h.chat.HandleStream(r.Context(), handle, req, func(chunk string) error {
		return send(StreamEvent{Chunk: chunk})
	})
	if err != nil {
		h.logger.Warn("Stream failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		body := errorBody(err)
		_ = send(StreamEvent{Error: body.Error, Retryable: body.Retryable})
		return
	}

	usage := reply.Usage
	if err := send(StreamEvent{
		Done:         true,
		FullResponse: reply.Text,
		SessionID:    reply.ConversationID,
		Usage:        &usage,
	}); err != nil {
		h.logger.Debug("Client went away before final event", zap.Error(err))
	}
}
