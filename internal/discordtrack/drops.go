package discordtrack

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dropSummaryInterval = 30 * time.Second
	dropSampleMaxLen    = 96
)

const (
	dropBotAuthor        = "bot_author"
	dropDirectMessage    = "direct_message"
	dropUntrackedGuild   = "untracked_guild"
	dropUntrackedChannel = "untracked_channel"
	dropNoMention        = "no_mention"
	dropAlreadySeen      = "already_seen"
)

var tokenLikeRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-.]{40,}`)

type dropReasonSummary struct {
	total    int
	byGuild  map[string]int
	firstMsg string
}

// dropLogger summarises discarded live events per reason on an interval
// rather than logging each one.
type dropLogger struct {
	mu       sync.Mutex
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
	logger   *slog.Logger
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration, logger *slog.Logger) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
		logger:   logger,
	}
}

func (d *dropLogger) note(now time.Time, reason string, msg Message) {
	if d == nil {
		return
	}
	guild := msg.GuildID
	if guild == "" {
		guild = "dm"
	}
	sample := sanitizeSample(msg.Content, dropSampleMaxLen)
	if d.verbose {
		d.logger.Debug("discordtrack: dropped message",
			"reason", reason,
			"guild_id", guild,
			"channel_id", msg.ChannelID,
			"sample", sample,
		)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{byGuild: make(map[string]int), firstMsg: sample}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byGuild[guild]++

	if !now.Before(d.nextEmit) {
		d.flushLocked(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(now)
}

func (d *dropLogger) flushLocked(now time.Time) {
	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		d.logger.Info("discordtrack: dropped_"+reason,
			"total", rs.total,
			"guilds", formatCounts(rs.byGuild),
			"sample", rs.firstMsg,
		)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

func (d *dropLogger) pending(reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rs := d.reasons[reason]; rs != nil {
		return rs.total
	}
	return 0
}

func sanitizeSample(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	s = tokenLikeRe.ReplaceAllString(s, "[REDACTED]")
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, k := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
