package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/stream"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// parseStart picks the stream start position. A reconnecting EventSource
// sends Last-Event-ID, which wins over the query string.
func parseStart(r *http.Request) (stream.Start, error) {
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" {
		offset, err := parseOffset(raw, "Last-Event-ID")
		if err != nil {
			return stream.Start{}, err
		}
		return stream.After(offset), nil
	}

	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		offset, err := parseOffset(raw, "after")
		if err != nil {
			return stream.Start{}, err
		}
		return stream.After(offset), nil
	}
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		if strings.EqualFold(raw, "tail") {
			return stream.FromTail(), nil
		}
		offset, err := parseOffset(raw, "from")
		if err != nil {
			return stream.Start{}, err
		}
		if offset < 0 {
			return stream.Start{}, fmt.Errorf("from must be >= 0 or tail")
		}
		return stream.From(offset), nil
	}
	return stream.FromBeginning(), nil
}

func parseOffset(raw, field string) (int64, error) {
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, raw)
	}
	if offset < events.NoOffset {
		return 0, fmt.Errorf("%s must be >= %d", field, events.NoOffset)
	}
	return offset, nil
}

func parseKinds(r *http.Request) ([]events.Kind, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("kinds"))
	if raw == "" {
		return nil, nil
	}
	var kinds []events.Kind
	for _, part := range strings.Split(raw, ",") {
		kind := events.Kind(strings.TrimSpace(part))
		if kind == "" {
			continue
		}
		if !events.ValidKind(kind) {
			return nil, fmt.Errorf("unknown event kind %q", kind)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultLogLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return limit, nil
}
