package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvHTTPAddr          = "CU_BACKEND_HTTP_ADDR"
	EnvDBDriver          = "CU_BACKEND_DB_DRIVER"
	EnvDBDSN             = "CU_BACKEND_DB_DSN"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvRunner            = "CU_BACKEND_RUNNER"
	EnvAnthropicAPIKey   = "ANTHROPIC_API_KEY"
	EnvAnthropicEndpoint = "CU_BACKEND_ANTHROPIC_ENDPOINT"
	EnvDefaultModel      = "CU_BACKEND_DEFAULT_MODEL"
	EnvMaxTokens         = "CU_BACKEND_MAX_TOKENS"
	EnvTurnTimeout       = "CU_BACKEND_TURN_TIMEOUT"
	EnvStoreRetryTimeout = "CU_BACKEND_STORE_RETRY_TIMEOUT"
	EnvSubscriberBuffer  = "CU_BACKEND_SUBSCRIBER_BUFFER"
	EnvReplayPageSize    = "CU_BACKEND_REPLAY_PAGE_SIZE"
	EnvKeepaliveInterval = "CU_BACKEND_KEEPALIVE_INTERVAL"
	EnvAllowedOrigins    = "CU_BACKEND_ALLOWED_ORIGINS"
	EnvWebhookURLs       = "CU_BACKEND_WEBHOOK_URLS"
	EnvLoggingSink       = "CU_BACKEND_LOGGING_SINK"
	EnvSandboxURLs       = "CU_BACKEND_SANDBOX_URLS"
)

const (
	DefaultHTTPAddr          = ":8000"
	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = "cu-backend.db"
	DefaultMaxTokens         = 4096
	DefaultStoreRetryTimeout = 30 * time.Second
	DefaultSubscriberBuffer  = 256
	DefaultReplayPageSize    = 200
	DefaultKeepaliveInterval = 15 * time.Second
)

type SandboxHost struct {
	Name string
	URL  string
}

type Config struct {
	HTTPAddr string
	DBDriver string
	DBDSN    string

	// Runner is anthropic or echo. Empty picks anthropic when an API key is
	// configured and echo otherwise.
	Runner            string
	AnthropicAPIKey   string
	AnthropicEndpoint string
	DefaultModel      string
	MaxTokens         int
	// TurnTimeout bounds one turn. Zero disables the bound.
	TurnTimeout       time.Duration
	StoreRetryTimeout time.Duration

	SubscriberBuffer  int
	ReplayPageSize    int
	KeepaliveInterval time.Duration
	// AllowedOrigins gates WebSocket upgrades. Empty allows same-host only.
	AllowedOrigins []string

	LoggingSink  bool
	WebhookURLs  []string
	SandboxHosts []SandboxHost
}

func FromEnv() (Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.resolveRunner()
	return cfg, nil
}

// FromYAMLAndEnv layers defaults, then the config file, then the environment.
func FromYAMLAndEnv() (Config, error) {
	cfg := defaultConfig()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.resolveRunner()
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:          DefaultHTTPAddr,
		DBDriver:          DefaultDBDriver,
		DBDSN:             DefaultDBDSN,
		MaxTokens:         DefaultMaxTokens,
		StoreRetryTimeout: DefaultStoreRetryTimeout,
		SubscriberBuffer:  DefaultSubscriberBuffer,
		ReplayPageSize:    DefaultReplayPageSize,
		KeepaliveInterval: DefaultKeepaliveInterval,
		LoggingSink:       true,
	}
}

func applyYAML(cfg *Config, source fileConfig) error {
	server := source.Server
	if value := strings.TrimSpace(server.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(server.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(server.DBDSN); value != "" {
		cfg.DBDSN = value
	}

	var err error
	if cfg.SubscriberBuffer, err = parseOptionalInt(server.SubscriberBuffer, cfg.SubscriberBuffer, "server.subscriber_buffer"); err != nil {
		return err
	}
	if cfg.ReplayPageSize, err = parseOptionalInt(server.ReplayPageSize, cfg.ReplayPageSize, "server.replay_page_size"); err != nil {
		return err
	}
	if cfg.KeepaliveInterval, err = parseOptionalDuration(server.KeepaliveInterval, cfg.KeepaliveInterval, "server.keepalive_interval"); err != nil {
		return err
	}
	if len(server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = splitList(strings.Join(server.AllowedOrigins, ","))
	}

	runner := source.Runner
	if value := strings.TrimSpace(runner.Name); value != "" {
		cfg.Runner = strings.ToLower(value)
	}
	if value := strings.TrimSpace(runner.AnthropicAPIKey); value != "" {
		cfg.AnthropicAPIKey = value
	}
	if value := strings.TrimSpace(runner.AnthropicEndpoint); value != "" {
		cfg.AnthropicEndpoint = value
	}
	if value := strings.TrimSpace(runner.DefaultModel); value != "" {
		cfg.DefaultModel = value
	}
	if cfg.MaxTokens, err = parseOptionalInt(runner.MaxTokens, cfg.MaxTokens, "runner.max_tokens"); err != nil {
		return err
	}
	if cfg.TurnTimeout, err = parseOptionalDuration(runner.TurnTimeout, cfg.TurnTimeout, "runner.turn_timeout"); err != nil {
		return err
	}
	if cfg.StoreRetryTimeout, err = parseOptionalDuration(runner.StoreRetryTimeout, cfg.StoreRetryTimeout, "runner.store_retry_timeout"); err != nil {
		return err
	}

	if source.Sinks.Logging != nil {
		cfg.LoggingSink = *source.Sinks.Logging
	}
	if len(source.Sinks.WebhookURLs) > 0 {
		cfg.WebhookURLs = splitList(strings.Join(source.Sinks.WebhookURLs, ","))
	}

	for _, host := range source.Sandbox {
		url := strings.TrimSpace(host.URL)
		if url == "" {
			continue
		}
		cfg.SandboxHosts = append(cfg.SandboxHosts, SandboxHost{Name: strings.TrimSpace(host.Name), URL: url})
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = EnvOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.DBDriver = strings.ToLower(EnvOrDefault(EnvDBDriver, cfg.DBDriver))
	cfg.DBDSN = EnvOrDefault(EnvDBDSN, cfg.DBDSN)
	if EnvString(EnvDBDSN) == "" {
		if databaseURL := EnvString(EnvDatabaseURL); databaseURL != "" {
			cfg.DBDSN = databaseURL
			if EnvString(EnvDBDriver) == "" && isPostgresURL(databaseURL) {
				cfg.DBDriver = "postgres"
			}
		}
	}

	cfg.Runner = strings.ToLower(EnvOrDefault(EnvRunner, cfg.Runner))
	cfg.AnthropicAPIKey = EnvOrDefault(EnvAnthropicAPIKey, cfg.AnthropicAPIKey)
	cfg.AnthropicEndpoint = EnvOrDefault(EnvAnthropicEndpoint, cfg.AnthropicEndpoint)
	cfg.DefaultModel = EnvOrDefault(EnvDefaultModel, cfg.DefaultModel)

	var err error
	if cfg.MaxTokens, err = parseOptionalInt(EnvString(EnvMaxTokens), cfg.MaxTokens, EnvMaxTokens); err != nil {
		return err
	}
	if cfg.TurnTimeout, err = parseOptionalDuration(EnvString(EnvTurnTimeout), cfg.TurnTimeout, EnvTurnTimeout); err != nil {
		return err
	}
	if cfg.StoreRetryTimeout, err = parseOptionalDuration(EnvString(EnvStoreRetryTimeout), cfg.StoreRetryTimeout, EnvStoreRetryTimeout); err != nil {
		return err
	}
	if cfg.SubscriberBuffer, err = parseOptionalInt(EnvString(EnvSubscriberBuffer), cfg.SubscriberBuffer, EnvSubscriberBuffer); err != nil {
		return err
	}
	if cfg.ReplayPageSize, err = parseOptionalInt(EnvString(EnvReplayPageSize), cfg.ReplayPageSize, EnvReplayPageSize); err != nil {
		return err
	}
	if cfg.KeepaliveInterval, err = parseOptionalDuration(EnvString(EnvKeepaliveInterval), cfg.KeepaliveInterval, EnvKeepaliveInterval); err != nil {
		return err
	}
	if raw := EnvString(EnvAllowedOrigins); raw != "" {
		cfg.AllowedOrigins = splitList(raw)
	}

	switch strings.ToLower(EnvString(EnvLoggingSink)) {
	case "1", "true", "yes", "on":
		cfg.LoggingSink = true
	case "0", "false", "no", "off":
		cfg.LoggingSink = false
	}
	if raw := EnvString(EnvWebhookURLs); raw != "" {
		cfg.WebhookURLs = splitList(raw)
	}
	if raw := EnvString(EnvSandboxURLs); raw != "" {
		cfg.SandboxHosts = parseSandboxHosts(splitList(raw))
	}
	return nil
}

func (c *Config) resolveRunner() {
	if c.Runner != "" {
		return
	}
	if c.AnthropicAPIKey != "" {
		c.Runner = "anthropic"
		return
	}
	c.Runner = "echo"
}

func isPostgresURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("%s must not be empty", EnvDBDSN)
		}
	case "memory":
	default:
		return fmt.Errorf("%s must be sqlite, postgres or memory", EnvDBDriver)
	}
	switch c.Runner {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("%s is required for the anthropic runner", EnvAnthropicAPIKey)
		}
	case "echo":
	default:
		return fmt.Errorf("%s must be anthropic or echo", EnvRunner)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%s must be > 0", EnvMaxTokens)
	}
	if c.StoreRetryTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvStoreRetryTimeout)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSubscriberBuffer)
	}
	if c.ReplayPageSize <= 0 {
		return fmt.Errorf("%s must be > 0", EnvReplayPageSize)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvKeepaliveInterval)
	}
	for _, host := range c.SandboxHosts {
		if !strings.HasPrefix(host.URL, "http://") && !strings.HasPrefix(host.URL, "https://") {
			return fmt.Errorf("%s entry %q must be an http(s) url", EnvSandboxURLs, host.URL)
		}
	}
	return nil
}
