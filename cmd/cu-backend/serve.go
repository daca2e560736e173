package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crabstack.local/projects/cu-backend/internal/bus"
	"crabstack.local/projects/cu-backend/internal/config"
	"crabstack.local/projects/cu-backend/internal/dispatch"
	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/httpapi"
	"crabstack.local/projects/cu-backend/internal/runner"
	"crabstack.local/projects/cu-backend/internal/sandbox"
	"crabstack.local/projects/cu-backend/internal/session"
	"crabstack.local/projects/cu-backend/internal/sinks"
	logging "crabstack.local/projects/cu-backend/internal/sinks/logging"
	"crabstack.local/projects/cu-backend/internal/sinks/webhook"
	"crabstack.local/projects/cu-backend/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), newLogger(), cfg)
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.FromYAMLAndEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.Config, logger *log.Logger) (eventlog.Store, error) {
	if cfg.DBDriver == "memory" {
		return eventlog.NewMemoryStore(), nil
	}
	store, err := eventlog.NewGormStore(cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize event store: %w", err)
	}
	return store, nil
}

func buildSinks(cfg config.Config, logger *log.Logger) []sinks.Sink {
	var out []sinks.Sink
	if cfg.LoggingSink {
		out = append(out, logging.New(logger))
	}
	for idx, webhookURL := range cfg.WebhookURLs {
		out = append(out, webhook.New(webhookSinkName(idx, webhookURL), webhookURL, logger))
	}
	return out
}

func webhookSinkName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		if host := strings.TrimSpace(parsed.Host); host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}

func buildRunner(ctx context.Context, cfg config.Config, logger *log.Logger) (runner.Runner, error) {
	opts := runner.Options{
		APIKey:    cfg.AnthropicAPIKey,
		Endpoint:  cfg.AnthropicEndpoint,
		MaxTokens: cfg.MaxTokens,
		Logger:    logger,
	}
	if len(cfg.SandboxHosts) > 0 {
		hosts := make([]sandbox.HostConfig, 0, len(cfg.SandboxHosts))
		for _, host := range cfg.SandboxHosts {
			hosts = append(hosts, sandbox.HostConfig{Name: host.Name, BaseURL: host.URL})
		}
		client := sandbox.New(logger, hosts)
		discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Discover(discoverCtx); err != nil {
			logger.Printf("sandbox discovery warning: %v", err)
		}
		opts.Tools = client
	}
	return runner.DefaultRegistry().New(cfg.Runner, opts)
}

func serve(ctx context.Context, logger *log.Logger, cfg config.Config) error {
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	defer ln.Close()
	return serveListener(ctx, logger, cfg, ln)
}

func serveListener(ctx context.Context, logger *log.Logger, cfg config.Config, ln net.Listener) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	turnRunner, err := buildRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize runner: %w", err)
	}

	dispatcher := dispatch.New(logger, buildSinks(cfg, logger))
	eventBus := bus.New(logger, cfg.SubscriberBuffer)
	registry := session.NewRegistry(logger, store, eventBus, dispatcher, session.Defaults{Model: cfg.DefaultModel})
	scheduler := session.NewScheduler(logger, registry, turnRunner, session.SchedulerConfig{
		TurnTimeout:       cfg.TurnTimeout,
		StoreRetryTimeout: cfg.StoreRetryTimeout,
	})
	streamer := stream.NewStreamer(store, eventBus, registry, cfg.ReplayPageSize)

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, httpapi.Services{
		Sessions: registry,
		Turns:    scheduler,
		Streams:  streamer,
		Log:      store,
	}, httpapi.Options{
		KeepaliveInterval: cfg.KeepaliveInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s runner=%s db_driver=%s", ln.Addr(), cfg.Runner, cfg.DBDriver)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server crashed: %w", err)
		}
	case sig := <-sigCh:
		logger.Printf("shutting down signal=%s", sig)
	case <-ctx.Done():
	}

	if err := shutdownStep(shutdownTimeout, srv.Shutdown); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	if err := shutdownStep(shutdownTimeout, scheduler.Shutdown); err != nil {
		logger.Printf("scheduler shutdown error: %v", err)
	}
	if err := shutdownStep(shutdownTimeout, dispatcher.Wait); err != nil {
		logger.Printf("sink delivery shutdown error: %v", err)
	}
	return nil
}

// shutdownStep gives each stage of shutdown its own deadline.
func shutdownStep(timeout time.Duration, stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return stop(ctx)
}
