package httpapi

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/session"
	"crabstack.local/projects/cu-backend/internal/stream"
)

type SessionService interface {
	Create(context.Context, session.CreateParams) (session.Session, error)
	Get(context.Context, string) (session.Session, error)
	List(context.Context) ([]session.Session, error)
	Messages(context.Context, string) ([]events.Event, error)
}

type TurnService interface {
	PostMessage(ctx context.Context, sessionID, content string) (session.PostResult, error)
	Close(ctx context.Context, sessionID string) (session.Session, error)
}

type StreamOpener interface {
	Open(ctx context.Context, sessionID string, start stream.Start, opts stream.Options) (*stream.Stream, error)
}

type LogReader interface {
	ReadFrom(ctx context.Context, sessionID string, after int64, limit int) ([]events.Event, error)
}

type Services struct {
	Sessions SessionService
	Turns    TurnService
	Streams  StreamOpener
	Log      LogReader
}

type Options struct {
	KeepaliveInterval time.Duration
	// AllowedOrigins lists the extra origins a WebSocket upgrade may come
	// from. The request's own host is always allowed.
	AllowedOrigins []string
}

const defaultKeepaliveInterval = 15 * time.Second

type server struct {
	logger    *log.Logger
	sessions  SessionService
	turns     TurnService
	streams   StreamOpener
	log       LogReader
	keepalive time.Duration
	origins   map[string]struct{}
}

// NewServer builds the HTTP server. Shutdown cancels the context of every
// request, so open event streams end instead of holding Shutdown open.
func NewServer(logger *log.Logger, addr string, svc Services, opts Options) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(logger, svc, opts),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

func NewHandler(logger *log.Logger, svc Services, opts Options) http.Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &server{
		logger:    logger,
		sessions:  svc.Sessions,
		turns:     svc.Turns,
		streams:   svc.Streams,
		log:       svc.Log,
		keepalive: opts.KeepaliveInterval,
		origins:   make(map[string]struct{}, len(opts.AllowedOrigins)),
	}
	if s.keepalive <= 0 {
		s.keepalive = defaultKeepaliveInterval
	}
	for _, origin := range opts.AllowedOrigins {
		s.origins[normalizeOrigin(origin)] = struct{}{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	// streaming responses must reach the client unbuffered
	r.Get("/sessions/{sessionID}/events", s.handleEventsSSE)
	r.Get("/sessions/{sessionID}/events/ws", s.handleEventsWS)

	r.Group(func(r chi.Router) {
		r.Use(compressJSON)
		r.Get("/healthz", s.handleHealth)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Post("/sessions/{sessionID}/close", s.handleCloseSession)
		r.Get("/sessions/{sessionID}/messages", s.handleListMessages)
		r.Post("/sessions/{sessionID}/messages", s.handlePostMessage)
		r.Get("/sessions/{sessionID}/events/log", s.handleEventLog)
	})
	return r
}

func compressJSON(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
