package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/session"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, eventlog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrTurnActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, eventlog.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status and a JSON body. Unclassified errors are
// logged and hidden from the client.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.logger.Printf("request failed method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		message = "internal error"
	case http.StatusServiceUnavailable:
		s.logger.Printf("store unavailable method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		message = "event store unavailable"
	case http.StatusNotFound:
		message = "session not found"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
