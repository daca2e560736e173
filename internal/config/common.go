package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func EnvString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func EnvOrDefault(key, fallback string) string {
	value := EnvString(key)
	if value == "" {
		return fallback
	}
	return value
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return parsed, nil
}

func parseOptionalInt(raw string, fallback int, field string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer %q: %w", field, value, err)
	}
	return parsed, nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseSandboxHosts reads "name=url" pairs. A bare url is named after its
// position.
func parseSandboxHosts(raw []string) []SandboxHost {
	hosts := make([]SandboxHost, 0, len(raw))
	for i, entry := range raw {
		name, url, ok := strings.Cut(entry, "=")
		if !ok {
			name, url = fmt.Sprintf("sandbox-%d", i+1), entry
		}
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if url == "" {
			continue
		}
		hosts = append(hosts, SandboxHost{Name: name, URL: url})
	}
	return hosts
}
