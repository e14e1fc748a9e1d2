// Package tracker holds the platform-neutral mention pipeline: dedup,
// parsing, contribution submission and the polling run loop.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/ingesttrace"
)

// Store is the dedup and audit collaborator. Calls are scoped by platform.
type Store interface {
	IsProcessed(ctx context.Context, itemID, platform string) (bool, error)
	MarkProcessed(ctx context.Context, itemID, platform string, payload any) error
	LogAction(ctx context.Context, platform, action string, details map[string]any) error
}

// Cleaner is implemented by stores that hold resources.
type Cleaner interface {
	Cleanup() error
}

type Submitter interface {
	Submit(ctx context.Context, c core.Contribution) (map[string]any, error)
}

type Parser interface {
	Parse(data core.MentionData) (core.Parsed, error)
}

// ParserFunc adapts a plain function to Parser.
type ParserFunc func(core.MentionData) (core.Parsed, error)

func (f ParserFunc) Parse(data core.MentionData) (core.Parsed, error) { return f(data) }

// Reporter receives pipeline counters. httpapi.Metrics satisfies it.
type Reporter interface {
	MentionProcessed(platform string)
	ProcessingError(platform string)
	Submission(platform, outcome string)
}

const (
	ActionMentionProcessed = "mention_processed"
	ActionProcessingError  = "processing_error"
	ActionError            = "error"
)

type Options struct {
	Platform  string
	Store     Store
	Submitter Submitter
	Parser    Parser
	Reporter  Reporter
	Logger    *slog.Logger
}

// Engine is the base tracker shared by every platform adapter.
type Engine struct {
	platform  string
	store     Store
	submitter Submitter
	parser    Parser
	reporter  Reporter
	logger    *slog.Logger

	exit        atomic.Bool
	cleanupOnce sync.Once
	cleanupErr  error

	notify func(chan<- os.Signal, ...os.Signal)
	stop   func(chan<- os.Signal)
}

func New(opts Options) (*Engine, error) {
	if _, ok := core.PlatformPrefixes[opts.Platform]; !ok {
		return nil, fmt.Errorf("tracker: unknown platform %q", opts.Platform)
	}
	if opts.Store == nil {
		return nil, errors.New("tracker: store is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("tracker: submitter is required")
	}
	if opts.Parser == nil {
		return nil, errors.New("tracker: parser is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		platform:  opts.Platform,
		store:     opts.Store,
		submitter: opts.Submitter,
		parser:    opts.Parser,
		reporter:  opts.Reporter,
		logger:    logger.With("platform", opts.Platform),
		notify:    signal.Notify,
		stop:      signal.Stop,
	}, nil
}

func (e *Engine) Platform() string { return e.platform }

func (e *Engine) Logger() *slog.Logger { return e.logger }

func (e *Engine) IsProcessed(ctx context.Context, itemID string) (bool, error) {
	return e.store.IsProcessed(ctx, itemID, e.platform)
}

func (e *Engine) MarkProcessed(ctx context.Context, itemID string, payload any) error {
	return e.store.MarkProcessed(ctx, itemID, e.platform, payload)
}

// LogAction records an audit entry. Failures are logged, never returned.
func (e *Engine) LogAction(ctx context.Context, action string, details map[string]any) {
	if err := e.store.LogAction(ctx, e.platform, action, details); err != nil {
		e.logger.Warn("tracker: log action failed", "action", action, "err", err)
	}
}

// ProcessMention submits one mention at most once. It returns true only when
// the submission succeeded and the item was marked processed. Errors from
// the store, parser or backend are logged and recorded, never returned.
func (e *Engine) ProcessMention(ctx context.Context, itemID string, data core.MentionData) (ok bool) {
	trace := ingesttrace.Start(e.platform, itemID, data.Suggester)
	defer trace.Log(e.logger, "tracker: mention trace")

	processed, err := e.IsProcessed(ctx, itemID)
	if err != nil {
		trace.Inc(ingesttrace.StageDropped("store_error"))
		e.fail(ctx, itemID, "dedup lookup", err)
		return false
	}
	if processed {
		trace.Inc(ingesttrace.StageDropped("duplicate"))
		return false
	}

	parsed, err := e.safeParse(data)
	if err != nil {
		trace.Inc(ingesttrace.StageDropped("parse_failed"))
		e.fail(ctx, itemID, "parse", err)
		return false
	}
	trace.Inc(ingesttrace.StageParsed)

	contrib := e.PrepareContributionData(parsed, data)
	resp, err := e.PostNewContribution(ctx, contrib)
	if err != nil {
		trace.Inc(ingesttrace.StageDropped("submit_failed"))
		e.fail(ctx, itemID, "submit", err)
		return false
	}
	trace.Inc(ingesttrace.StageSubmitted)

	if err := e.MarkProcessed(ctx, itemID, snapshot(contrib, data)); err != nil {
		// The backend already has it; the next pass will submit again.
		trace.Inc(ingesttrace.StageDropped("mark_failed"))
		e.fail(ctx, itemID, "mark processed", err)
		return false
	}
	trace.Inc(ingesttrace.StageMarked)

	e.LogAction(ctx, ActionMentionProcessed, map[string]any{
		"item_id":     itemID,
		"type":        contrib.Type,
		"level":       contrib.Level,
		"username":    contrib.Username,
		"url":         contrib.URL,
		"suggester":   data.Suggester,
		"contributor": data.Contributor,
		"response":    resp,
	})
	if e.reporter != nil {
		e.reporter.MentionProcessed(e.platform)
	}
	e.logger.Info("tracker: mention processed", "item_id", itemID, "username", contrib.Username, "type", contrib.Type)
	return true
}

func (e *Engine) safeParse(data core.MentionData) (parsed core.Parsed, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()
	return e.parser.Parse(data)
}

func (e *Engine) fail(ctx context.Context, itemID, stage string, err error) {
	e.logger.Error("tracker: processing error", "item_id", itemID, "stage", stage, "err", err)
	e.LogAction(ctx, ActionProcessingError, map[string]any{
		"item_id": itemID,
		"stage":   stage,
		"error":   err.Error(),
	})
	if e.reporter != nil {
		e.reporter.ProcessingError(e.platform)
	}
}

// PrepareContributionData merges parser output with the mention and computes
// the backend username from the platform prefix.
func (e *Engine) PrepareContributionData(parsed core.Parsed, data core.MentionData) core.Contribution {
	prefix := core.PlatformPrefixes[e.platform]
	return core.Contribution{
		Type:            parsed.Type,
		Level:           parsed.Level,
		Username:        prefix + data.Contributor,
		Comment:         parsed.Comment,
		URL:             data.ContributionURL,
		Platform:        core.DisplayName(e.platform),
		Title:           parsed.Title,
		Suggester:       data.Suggester,
		SuggestionURL:   data.SuggestionURL,
		GuildLabel:      data.GuildLabel,
		ContentPreview:  data.ContentPreview,
		ContributorName: data.ContributorName,
	}
}

func (e *Engine) PostNewContribution(ctx context.Context, c core.Contribution) (map[string]any, error) {
	resp, err := e.submitter.Submit(ctx, c)
	if e.reporter != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.reporter.Submission(e.platform, outcome)
	}
	return resp, err
}

// Cleanup releases the store once, whatever path triggered it.
func (e *Engine) Cleanup() error {
	e.cleanupOnce.Do(func() {
		if c, ok := e.store.(Cleaner); ok {
			e.cleanupErr = c.Cleanup()
			if e.cleanupErr != nil {
				e.logger.Warn("tracker: cleanup failed", "err", e.cleanupErr)
			}
		}
		e.logger.Info("tracker: cleaned up")
	})
	return e.cleanupErr
}

// RequestExit asks the run loop to stop after the current step.
func (e *Engine) RequestExit() { e.exit.Store(true) }

// Exiting reports whether a stop was requested.
func (e *Engine) Exiting() bool { return e.exit.Load() }

func snapshot(c core.Contribution, data core.MentionData) map[string]any {
	return map[string]any{
		"type":             c.Type,
		"level":            c.Level,
		"username":         c.Username,
		"comment":          c.Comment,
		"url":              c.URL,
		"platform":         c.Platform,
		"title":            c.Title,
		"suggester":        data.Suggester,
		"suggestion_url":   data.SuggestionURL,
		"contribution_url": data.ContributionURL,
		"guild":            data.GuildLabel,
		"channel":          data.ChannelLabel,
		"content_preview":  data.ContentPreview,
	}
}
