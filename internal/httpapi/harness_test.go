package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crabstack.local/projects/cu-backend/internal/bus"
	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/runner"
	"crabstack.local/projects/cu-backend/internal/session"
	"crabstack.local/projects/cu-backend/internal/stream"
)

type apiHarness struct {
	store     *eventlog.MemoryStore
	registry  *session.Registry
	scheduler *session.Scheduler
	handler   http.Handler
}

func newAPIHarness(t *testing.T, turnRunner runner.Runner) *apiHarness {
	t.Helper()
	if turnRunner == nil {
		turnRunner = helloRunner()
	}
	logger := log.New(io.Discard, "", 0)
	store := eventlog.NewMemoryStore()
	b := bus.New(logger, 64)
	registry := session.NewRegistry(logger, store, b, nil, session.Defaults{})
	scheduler := session.NewScheduler(logger, registry, turnRunner, session.SchedulerConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	handler := NewHandler(logger, Services{
		Sessions: registry,
		Turns:    scheduler,
		Streams:  stream.NewStreamer(store, b, registry, 2),
		Log:      store,
	}, Options{KeepaliveInterval: 50 * time.Millisecond, AllowedOrigins: []string{"http://ui.test"}})
	return &apiHarness{store: store, registry: registry, scheduler: scheduler, handler: handler}
}

// helloRunner answers every turn with "Hi there" in two chunks.
func helloRunner() runner.Runner {
	return runner.Func(func(_ context.Context, _ runner.Turn, emit func(runner.Item) error) error {
		for _, text := range []string{"Hi", " there"} {
			if err := emit(runner.ItemChunk{Block: events.ContentBlock{Type: events.BlockTypeText, Text: text}}); err != nil {
				return err
			}
		}
		return emit(runner.ItemMessage{
			Role:    events.RoleAssistant,
			Content: []events.ContentBlock{{Type: events.BlockTypeText, Text: "Hi there"}},
		})
	})
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *apiHarness) createSession(t *testing.T) session.Session {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/sessions", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var sess session.Session
	decodeBody(t, rr.Body.Bytes(), &sess)
	return sess
}

func (h *apiHarness) postMessage(t *testing.T, sessionID, content string) postMessageResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"content": content})
	rr := h.do(t, http.MethodPost, "/sessions/"+sessionID+"/messages", string(body))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("post message: expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp postMessageResponse
	decodeBody(t, rr.Body.Bytes(), &resp)
	return resp
}

func (h *apiHarness) waitTerminals(t *testing.T, sessionID string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := h.registry.Get(context.Background(), sessionID)
		if err == nil && sess.Status == session.StatusIdle {
			entries, _ := h.store.ReadAll(context.Background(), sessionID)
			count := 0
			for _, ev := range entries {
				if events.TerminatesTurn(ev.Kind) {
					count++
				}
			}
			if count >= n {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished turns in %s", n, sessionID)
}

func decodeBody(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		t.Fatalf("decode body %q: %v", body, err)
	}
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSE parses frames from r until it sees n event frames or an end frame.
// Comment lines are skipped.
func readSSE(t *testing.T, r *bufio.Reader, n int) []sseFrame {
	t.Helper()
	var (
		frames  []sseFrame
		current sseFrame
	)
	for len(frames) < n {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse after %d frames: %v", len(frames), err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if current.event != "" {
				frames = append(frames, current)
				if current.event == "end" {
					return frames
				}
			}
			current = sseFrame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			current.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func openSSE(t *testing.T, srv *httptest.Server, path string, header http.Header) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	if err != nil {
		cancel()
		t.Fatalf("build request: %v", err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open sse: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		t.Fatalf("open sse: expected 200, got %d body=%s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
	}
}
