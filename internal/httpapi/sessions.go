package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/session"
)

const maxRequestBytes int64 = 1 << 20

type createSessionRequest struct {
	Model              string `json:"model"`
	ToolVersion        string `json:"tool_version"`
	SystemPromptSuffix string `json:"system_prompt_suffix"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

type postMessageResponse struct {
	Status    string `json:"status"`
	Offset    int64  `json:"offset"`
	MessageID string `json:"message_id"`
}

// chatMessage is a message event flattened for chat clients.
type chatMessage struct {
	Offset    int64                 `json:"offset"`
	ID        string                `json:"id"`
	Role      events.Role           `json:"role"`
	Content   []events.ContentBlock `json:"content"`
	Text      string                `json:"text"`
	CreatedAt time.Time             `json:"created_at"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.Create(r.Context(), session.CreateParams{
		Model:              req.Model,
		ToolVersion:        req.ToolVersion,
		SystemPromptSuffix: req.SystemPromptSuffix,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.turns.Close(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	entries, err := s.sessions.Messages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]chatMessage, 0, len(entries))
	for _, ev := range entries {
		var msg events.MessagePayload
		if err := ev.DecodePayload(&msg); err != nil {
			s.writeError(w, r, fmt.Errorf("decode message at offset %d: %w", ev.Offset, err))
			return
		}
		out = append(out, chatMessage{
			Offset:    ev.Offset,
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			Text:      msg.Text(),
			CreatedAt: ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.turns.PostMessage(r.Context(), chi.URLParam(r, "sessionID"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, postMessageResponse{
		Status:    "queued",
		Offset:    result.Event.Offset,
		MessageID: result.MessageID,
	})
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing content")
	}
	return nil
}
