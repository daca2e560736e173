package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"crabstack.local/projects/cu-backend/internal/config"
	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/runner"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "sessions", "events"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s subcommand, got %v err=%v", name, cmd, err)
		}
	}
}

func TestWebhookSinkName(t *testing.T) {
	if got := webhookSinkName(0, "https://hooks.test/cu"); got != "hooks.test" {
		t.Fatalf("expected host name, got %q", got)
	}
	if got := webhookSinkName(2, "not a url"); got != "webhook-3" {
		t.Fatalf("expected positional name, got %q", got)
	}
}

func TestBuildSinks(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cfg := config.Config{LoggingSink: true, WebhookURLs: []string{"http://a.test/hook", "http://b.test/hook"}}
	got := buildSinks(cfg, logger)
	if len(got) != 3 || got[0].Name() != "logging" || got[1].Name() != "a.test" {
		t.Fatalf("unexpected sinks %v", got)
	}

	cfg.LoggingSink = false
	cfg.WebhookURLs = nil
	if got := buildSinks(cfg, logger); len(got) != 0 {
		t.Fatalf("expected no sinks, got %d", len(got))
	}
}

func TestOpenStore(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	store, err := openStore(config.Config{DBDriver: "memory"}, logger)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if _, ok := store.(*eventlog.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	store, err = openStore(config.Config{DBDriver: "sqlite", DBDSN: t.TempDir() + "/cu.db"}, logger)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*eventlog.GormStore); !ok {
		t.Fatalf("expected gorm store, got %T", store)
	}
}

func TestBuildRunner(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	r, err := buildRunner(context.Background(), config.Config{Runner: runner.NameEcho}, logger)
	if err != nil {
		t.Fatalf("build echo runner: %v", err)
	}
	if _, ok := r.(*runner.EchoRunner); !ok {
		t.Fatalf("expected echo runner, got %T", r)
	}
	if _, err := buildRunner(context.Background(), config.Config{Runner: runner.NameAnthropic}, logger); err == nil {
		t.Fatalf("expected missing api key error")
	}
}

func TestInspectCommands(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	if err := store.CreateSession(ctx, eventlog.SessionRecord{ID: "s1", Model: "m", Status: "idle"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "s1", events.KindAssistantChunk, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)

	var out bytes.Buffer
	if err := listSessions(cmd, store, &out); err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if !strings.HasPrefix(out.String(), "s1  idle") {
		t.Fatalf("unexpected sessions output %q", out.String())
	}

	out.Reset()
	if err := dumpEvents(cmd, store, "s1", 0, &out); err != nil {
		t.Fatalf("dump events: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected events after offset 0, got %q", out.String())
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil || ev.Offset != 1 {
		t.Fatalf("unexpected first line %q err=%v", lines[0], err)
	}

	if err := dumpEvents(cmd, store, "missing", -1, &out); err == nil {
		t.Fatalf("expected missing session error")
	}
}

func TestServeStopsWithOpenEventStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()
	cfg := config.Config{DBDriver: "memory", Runner: runner.NameEcho}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serveListener(ctx, log.New(io.Discard, "", 0), cfg, ln)
	}()

	resp, err := http.Post(base+"/sessions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var sess struct {
		ID string `json:"id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&sess)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status=%d err=%v", resp.StatusCode, err)
	}

	stream, err := http.Get(base + "/sessions/" + sess.ID + "/events")
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("open event stream: status=%d", stream.StatusCode)
	}

	started := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return with an event stream open")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
}
