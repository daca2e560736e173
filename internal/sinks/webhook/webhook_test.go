package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
)

func TestHandleSuccessfulPost(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotHeader http.Header
		gotBody   []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ev := newTestEvent(events.KindTurnCompleted)
	wantBody, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	sink := New("webhook-test", server.URL+"/events", testLogger())
	if err := sink.Handle(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("unexpected method: %s", gotMethod)
	}
	if gotPath != "/events" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if ct := gotHeader.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	if gotHeader.Get("X-Session-Id") != "session_1" || gotHeader.Get("X-Event-Offset") != "7" {
		t.Fatalf("unexpected delivery headers: %v", gotHeader)
	}
	if !bytes.Equal(gotBody, wantBody) {
		t.Fatalf("unexpected body: got=%s want=%s", gotBody, wantBody)
	}
}

func TestHandleNon2xxReturnsErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream failed"))
	}))
	defer server.Close()

	sink := New("webhook-test", server.URL, testLogger())
	err := sink.Handle(context.Background(), newTestEvent(events.KindTurnCompleted))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "upstream failed") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

func TestHandleEventFilter(t *testing.T) {
	tests := []struct {
		name      string
		filter    func(events.Kind) bool
		kind      events.Kind
		wantCalls int32
	}{
		{name: "skips non matching", filter: KindFilter(events.KindTurnCompleted), kind: events.KindAssistantChunk, wantCalls: 0},
		{name: "allows matching", filter: KindFilter(events.KindTurnCompleted, events.KindTurnFailed), kind: events.KindTurnFailed, wantCalls: 1},
		{name: "nil forwards all", filter: KindFilter(), kind: events.KindHTTPExchange, wantCalls: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusNoContent)
			}))
			defer server.Close()

			sink := New("webhook-test", server.URL, testLogger(), WithEventFilter(tc.filter))
			if err := sink.Handle(context.Background(), newTestEvent(tc.kind)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := atomic.LoadInt32(&calls); got != tc.wantCalls {
				t.Fatalf("expected %d calls, got %d", tc.wantCalls, got)
			}
		})
	}
}

func TestHandlePostTimeoutReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(250 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	sink := New("webhook-test", server.URL, testLogger(), WithHTTPClient(client))
	err := sink.Handle(context.Background(), newTestEvent(events.KindTurnCompleted))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "Timeout") && !strings.Contains(err.Error(), "deadline exceeded") {
		t.Fatalf("expected timeout/deadline error, got %v", err)
	}
}

func TestNewDefaultsName(t *testing.T) {
	if got := New("  ", "http://example.invalid", testLogger()).Name(); got != "webhook" {
		t.Fatalf("expected default name, got %q", got)
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestEvent(kind events.Kind) events.Event {
	return events.Event{
		SessionID: "session_1",
		Offset:    7,
		Kind:      kind,
		Payload:   json.RawMessage(`{"turn_id":"t1"}`),
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}
