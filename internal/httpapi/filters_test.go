package httpapi

import (
	"net/url"
	"testing"
	"time"

	"github.com/you/mention-tracker/internal/core"
)

func TestParseFiltersDefaults(t *testing.T) {
	f, err := ParseFilters(url.Values{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Limit != defaultLimit || f.Order != OrderDesc || f.Since != nil || f.Platforms != nil {
		t.Fatalf("unexpected defaults: %+v", f)
	}
}

func TestParseFiltersPlatformsAndLimit(t *testing.T) {
	f, err := ParseFilters(url.Values{
		"platform": {"dc,tg", "discord"},
		"limit":    {"5000"},
		"order":    {"ASC"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Platforms) != 2 || f.Platforms[0] != core.PlatformDiscord || f.Platforms[1] != core.PlatformTelegram {
		t.Fatalf("unexpected platforms: %v", f.Platforms)
	}
	if f.Limit != maxLimit {
		t.Fatalf("expected limit clamp to %d, got %d", maxLimit, f.Limit)
	}
	if f.Order != OrderAsc {
		t.Fatalf("expected asc order, got %q", f.Order)
	}
}

func TestParseFiltersAllClearsPlatforms(t *testing.T) {
	f, err := ParseFilters(url.Values{"platform": {"discord,all"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Platforms != nil {
		t.Fatalf("expected no platform restriction, got %v", f.Platforms)
	}
}

func TestParseFiltersRejectsBadInput(t *testing.T) {
	cases := []url.Values{
		{"limit": {"0"}},
		{"limit": {"abc"}},
		{"order": {"sideways"}},
		{"platform": {"irc"}},
		{"since": {"yesterday-ish"}},
	}
	for _, values := range cases {
		if _, err := ParseFilters(values); err == nil {
			t.Fatalf("expected error for %v", values)
		}
	}
}

func TestParseFiltersSinceForms(t *testing.T) {
	f, err := ParseFilters(url.Values{"since": {"1700000000"}})
	if err != nil {
		t.Fatalf("parse unix: %v", err)
	}
	if !f.Since.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected since: %v", f.Since)
	}

	f, err = ParseFilters(url.Values{"since": {"2h"}})
	if err != nil {
		t.Fatalf("parse duration: %v", err)
	}
	if d := time.Since(*f.Since); d < 2*time.Hour-time.Minute || d > 2*time.Hour+time.Minute {
		t.Fatalf("unexpected relative since: %v", d)
	}
}

func TestFiltersMatches(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	f := Filters{Platforms: []string{core.PlatformTelegram}, Since: &past}

	if !f.Matches(core.ProcessedItem{Platform: core.PlatformTelegram, ProcessedAt: now}) {
		t.Fatalf("expected telegram item to match")
	}
	if f.Matches(core.ProcessedItem{Platform: core.PlatformDiscord, ProcessedAt: now}) {
		t.Fatalf("expected discord item to be filtered")
	}
	if f.Matches(core.ProcessedItem{Platform: core.PlatformTelegram, ProcessedAt: past.Add(-time.Minute)}) {
		t.Fatalf("expected old item to be filtered")
	}
}
