package tracker

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Scanner performs one polling pass and reports how many new mentions it
// submitted.
type Scanner interface {
	CheckMentions(ctx context.Context) (int, error)
}

type RunOptions struct {
	// PollInterval is the number of SleepUnits between passes.
	PollInterval int
	// MaxIterations bounds the number of passes. Zero means unbounded.
	MaxIterations int
	// SleepUnit defaults to one minute.
	SleepUnit time.Duration
}

// Run polls scanner until the iteration budget is spent, a signal arrives or
// ctx is cancelled. Cancellation is treated as a user stop and returns nil.
// A scan error or panic is fatal: it is recorded and returned. Cleanup runs
// exactly once on every path.
func (e *Engine) Run(ctx context.Context, scanner Scanner, opts RunOptions) (err error) {
	if scanner == nil {
		return fmt.Errorf("tracker: scanner is required")
	}
	unit := opts.SleepUnit
	if unit <= 0 {
		unit = time.Minute
	}

	wake := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	e.notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	defer func() {
		e.stop(sigCh)
		close(done)
	}()
	go func() {
		select {
		case sig := <-sigCh:
			e.logger.Info("tracker: received signal, finishing current step", "signal", sig.String())
			e.RequestExit()
			close(wake)
		case <-done:
		}
	}()

	defer func() {
		if cerr := e.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	e.logger.Info("tracker: starting", "poll_interval", opts.PollInterval, "max_iterations", opts.MaxIterations, "unit", unit.String())

	iteration := 0
	for !e.Exiting() && (opts.MaxIterations <= 0 || iteration < opts.MaxIterations) {
		if ctx.Err() != nil {
			e.logger.Info("tracker: stopped by user")
			return nil
		}
		iteration++

		found, scanErr := e.scan(ctx, scanner)
		if scanErr != nil {
			if ctx.Err() != nil {
				e.logger.Info("tracker: stopped by user")
				return nil
			}
			e.logger.Error("tracker: fatal error", "iteration", iteration, "err", scanErr)
			e.LogAction(context.WithoutCancel(ctx), ActionError, map[string]any{
				"error":     scanErr.Error(),
				"iteration": iteration,
			})
			return scanErr
		}
		if found > 0 {
			e.logger.Info(fmt.Sprintf("tracker: Found %d new mentions", found), "iteration", iteration)
		}

		if opts.MaxIterations > 0 && iteration >= opts.MaxIterations {
			break
		}
		for i := 0; i < opts.PollInterval && !e.Exiting(); i++ {
			if !sleepUnit(ctx, wake, unit) {
				break
			}
		}
	}

	if ctx.Err() != nil {
		e.logger.Info("tracker: stopped by user")
		return nil
	}
	e.logger.Info("tracker: finished", "iterations", iteration)
	return nil
}

func (e *Engine) scan(ctx context.Context, scanner Scanner) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()
	return scanner.CheckMentions(ctx)
}

// sleepUnit waits for one unit and reports whether the full unit elapsed.
func sleepUnit(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return false
	case <-timer.C:
		return true
	}
}
