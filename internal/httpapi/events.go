package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"crabstack.local/projects/cu-backend/internal/bus"
	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

// frameWriter is one streaming transport.
type frameWriter interface {
	event(events.Event) error
	keepalive() error
	// end reports why the stream stopped. It is not called when the client
	// went away.
	end(err error, lastOffset int64)
}

type nextResult struct {
	ev  events.Event
	err error
}

func (s *server) openStream(w http.ResponseWriter, r *http.Request) (*stream.Stream, bool) {
	start, err := parseStart(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	kinds, err := parseKinds(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	sessionID := chi.URLParam(r, "sessionID")
	st, err := s.streams.Open(r.Context(), sessionID, start, stream.Options{Kinds: kinds})
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	s.logger.Printf("stream open session_id=%s start=%s", sessionID, start)
	return st, true
}

// pump moves events from st to out until the stream ends or ctx is done.
// The stream is read only by the pump goroutine; it is closed once that
// goroutine has exited.
func (s *server) pump(ctx context.Context, st *stream.Stream, out frameWriter) {
	ctx, cancel := context.WithCancel(ctx)
	results := make(chan nextResult)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			ev, err := st.Next(ctx)
			select {
			case results <- nextResult{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-pumpDone
		st.Close()
	}()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := out.keepalive(); err != nil {
				return
			}
		case res := <-results:
			if res.err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("stream end session_id=%s last_offset=%d reason=%v", st.SessionID(), st.LastOffset(), res.err)
					out.end(res.err, st.LastOffset())
				}
				return
			}
			if err := out.event(res.ev); err != nil {
				return
			}
		}
	}
}

func (s *server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	st, ok := s.openStream(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.pump(r.Context(), st, &sseWriter{w: w, flusher: flusher})
}

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) event(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Offset, ev.Kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepalive() error {
	if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) end(err error, lastOffset int64) {
	reason := endReason(err)
	data, _ := json.Marshal(map[string]any{"reason": reason, "last_offset": lastOffset})
	_, _ = fmt.Fprintf(s.w, "event: end\ndata: %s\n\n", data)
	s.flusher.Flush()
}

func (s *server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	st, ok := s.openStream(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		st.Close()
		s.logger.Printf("events ws upgrade failed session_id=%s err=%v", st.SessionID(), err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(4096)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// the read side only exists to see control frames and the client closing
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.pump(ctx, st, &wsWriter{conn: conn})
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) event(ev events.Event) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(ev)
}

func (w *wsWriter) keepalive() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (w *wsWriter) end(err error, lastOffset int64) {
	code := websocket.CloseNormalClosure
	if errors.Is(err, bus.ErrSubscriberOverrun) {
		code = websocket.CloseTryAgainLater
	} else if !errors.Is(err, io.EOF) {
		code = websocket.CloseInternalServerErr
	}
	reason := fmt.Sprintf("%s last_offset=%d", endReason(err), lastOffset)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteTimeout))
}

func endReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "session_closed"
	case errors.Is(err, bus.ErrSubscriberOverrun):
		return "overrun"
	default:
		return "error"
	}
}

func (s *server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := s.origins[normalizeOrigin(origin)]; ok {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}

type eventLogResponse struct {
	Events    []events.Event `json:"events"`
	NextAfter int64          `json:"next_after"`
	HasMore   bool           `json:"has_more"`
}

func (s *server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	after := events.NoOffset
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := parseOffset(raw, "after")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		after = parsed
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.log.ReadFrom(r.Context(), sessionID, after, limit+1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := eventLogResponse{Events: page, NextAfter: after}
	if len(page) > limit {
		resp.Events = page[:limit]
		resp.HasMore = true
	}
	if n := len(resp.Events); n > 0 {
		resp.NextAfter = resp.Events[n-1].Offset
	}
	if resp.Events == nil {
		resp.Events = []events.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}
