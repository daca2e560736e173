package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "CU_BACKEND_CONFIG_FILE"
	configDirName           = ".cu-backend"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	Version int               `yaml:"version"`
	Server  fileServerConfig  `yaml:"server"`
	Runner  fileRunnerConfig  `yaml:"runner"`
	Sinks   fileSinksConfig   `yaml:"sinks"`
	Sandbox []fileSandboxHost `yaml:"sandbox"`
}

type fileServerConfig struct {
	HTTPAddr          string   `yaml:"http_addr"`
	DBDriver          string   `yaml:"db_driver"`
	DBDSN             string   `yaml:"db_dsn"`
	SubscriberBuffer  string   `yaml:"subscriber_buffer"`
	ReplayPageSize    string   `yaml:"replay_page_size"`
	KeepaliveInterval string   `yaml:"keepalive_interval"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

type fileRunnerConfig struct {
	Name              string `yaml:"name"`
	AnthropicAPIKey   string `yaml:"anthropic_api_key"`
	AnthropicEndpoint string `yaml:"anthropic_endpoint"`
	DefaultModel      string `yaml:"default_model"`
	MaxTokens         string `yaml:"max_tokens"`
	TurnTimeout       string `yaml:"turn_timeout"`
	StoreRetryTimeout string `yaml:"store_retry_timeout"`
}

type fileSinksConfig struct {
	Logging     *bool    `yaml:"logging"`
	WebhookURLs []string `yaml:"webhook_urls"`
}

type fileSandboxHost struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	candidates := []string{
		filepath.Join(configDirName, defaultConfigFileName),
		filepath.Join(configDirName, alternateConfigFileName),
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}
