package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/mention-tracker/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing rows.
type Order string

const (
	// OrderDesc returns rows newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns rows oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for processed item and action lookups.
type Filters struct {
	Platforms []string
	Since     *time.Time
	Limit     int
	Order     Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	if platforms := values["platform"]; len(platforms) > 0 {
		seen := make(map[string]struct{})
		var out []string
		var allowAll bool
		for _, raw := range platforms {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				canonical, ok := normalizePlatform(part)
				if !ok {
					return Filters{}, errors.New("invalid platform filter")
				}
				if canonical == "" {
					allowAll = true
					continue
				}
				if _, exists := seen[canonical]; !exists {
					out = append(out, canonical)
					seen[canonical] = struct{}{}
				}
			}
		}
		if !allowAll {
			f.Platforms = out
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func normalizePlatform(p string) (string, bool) {
	switch strings.ToLower(p) {
	case "discord", "dc", "d":
		return core.PlatformDiscord, true
	case "telegram", "tg", "t":
		return core.PlatformTelegram, true
	case "all", "*":
		return "", true
	default:
		return "", false
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether a freshly processed item satisfies the filters.
func (f Filters) Matches(item core.ProcessedItem) bool {
	if len(f.Platforms) > 0 {
		match := false
		for _, p := range f.Platforms {
			if item.Platform == p {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.Since != nil && item.ProcessedAt.Before(f.Since.UTC()) {
		return false
	}
	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}
