package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 1 << 20
)

type Option func(*Sink)

// Sink POSTs each event as JSON. Receivers see X-Session-Id and X-Event-Offset
// headers so redelivered events can be dropped without decoding the body.
type Sink struct {
	name       string
	URL        string
	httpClient *http.Client
	logger     *log.Logger
	filter     func(events.Kind) bool
}

func New(name string, url string, logger *log.Logger, opts ...Option) *Sink {
	sink := &Sink{
		name:       strings.TrimSpace(name),
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
	}
	if sink.name == "" {
		sink.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}
	return sink
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Sink) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithEventFilter(filter func(events.Kind) bool) Option {
	return func(s *Sink) {
		s.filter = filter
	}
}

// KindFilter accepts only the listed kinds. No kinds accepts everything.
func KindFilter(kinds ...events.Kind) func(events.Kind) bool {
	if len(kinds) == 0 {
		return nil
	}
	allowed := make(map[events.Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		allowed[kind] = struct{}{}
	}
	return func(kind events.Kind) bool {
		_, ok := allowed[kind]
		return ok
	}
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Handle(ctx context.Context, ev events.Event) error {
	if s.filter != nil && !s.filter(ev.Kind) {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", ev.SessionID)
	req.Header.Set("X-Event-Offset", strconv.FormatInt(ev.Offset, 10))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	limited := io.LimitReader(resp.Body, maxErrorBodyBytes+1)
	errorBody, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("webhook status=%d read body: %w", resp.StatusCode, err)
	}
	truncated := ""
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		truncated = " (truncated)"
	}
	return fmt.Errorf("webhook status=%d body=%q%s", resp.StatusCode, string(errorBody), truncated)
}
