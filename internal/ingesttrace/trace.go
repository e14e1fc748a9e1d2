package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Stage is one step a mention passes through on its way to the backend.
type Stage string

const (
	StageSeen      Stage = "seen"
	StageParsed    Stage = "parsed"
	StageSubmitted Stage = "submitted"
	StageMarked    Stage = "marked"

	StageDroppedPrefix = "dropped_"
)

// StageDropped names the terminal stage of a mention that was not submitted.
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// MentionTrace accumulates per-stage counters for a single mention.
type MentionTrace struct {
	Platform string
	ItemID   string
	Author   string
	TraceID  string

	started  time.Time
	mu       sync.Mutex
	counters map[Stage]int64
}

// Start opens a trace for itemID and records the seen stage.
func Start(platform, itemID, author string) *MentionTrace {
	t := &MentionTrace{
		Platform: platform,
		ItemID:   itemID,
		Author:   author,
		TraceID:  computeTraceID(platform, itemID),
		started:  time.Now(),
		counters: map[Stage]int64{StageSeen: 1},
	}
	return t
}

// Inc increments the counter for stage and returns the new value.
func (t *MentionTrace) Inc(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the current counter for stage.
func (t *MentionTrace) Count(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// Log emits the trace at debug level; msg should carry the caller's prefix.
func (t *MentionTrace) Log(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug(msg,
		"trace_id", t.TraceID,
		"platform", t.Platform,
		"item_id", t.ItemID,
		"author", t.Author,
		"elapsed_ms", time.Since(t.started).Milliseconds(),
		"stages", t.snapshot(),
	)
}

func (t *MentionTrace) snapshot() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

// Trace ids are stable per item so retries of the same mention correlate.
func computeTraceID(platform, itemID string) string {
	digest := sha256.Sum256([]byte(platform + "\x1f" + itemID))
	return hex.EncodeToString(digest[:8])
}
