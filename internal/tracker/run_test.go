package tracker

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/mention-tracker/internal/core"
)

type scanFunc func(ctx context.Context) (int, error)

func (f scanFunc) CheckMentions(ctx context.Context) (int, error) { return f(ctx) }

type countingScanner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (int, error)
}

func (c *countingScanner) CheckMentions(context.Context) (int, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	if c.fn == nil {
		return 0, nil
	}
	return c.fn(call)
}

func (c *countingScanner) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunHonoursMaxIterations(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, core.PlatformTelegram, store, &recordingSubmitter{}, staticParser)
	scanner := &countingScanner{fn: func(int) (int, error) { return 2, nil }}

	err := e.Run(context.Background(), scanner, RunOptions{PollInterval: 2, MaxIterations: 3, SleepUnit: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, scanner.Calls())
	assert.Equal(t, 1, store.cleanups)
}

func TestRunContextCancelIsUserStop(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, core.PlatformDiscord, store, &recordingSubmitter{}, staticParser)

	ctx, cancel := context.WithCancel(context.Background())
	scanner := &countingScanner{fn: func(call int) (int, error) {
		if call == 2 {
			cancel()
		}
		return 0, nil
	}}

	err := e.Run(ctx, scanner, RunOptions{PollInterval: 1, SleepUnit: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, scanner.Calls())
	assert.Equal(t, 1, store.cleanups)
	assert.Empty(t, store.Actions())
}

func TestRunScanErrorIsFatal(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, core.PlatformDiscord, store, &recordingSubmitter{}, staticParser)
	boom := errors.New("gateway missing")

	err := e.Run(context.Background(), scanFunc(func(context.Context) (int, error) { return 0, boom }), RunOptions{PollInterval: 1, SleepUnit: time.Millisecond})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{ActionError}, store.Actions())
	assert.Equal(t, 1, store.cleanups)
}

func TestRunScanPanicIsFatal(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, core.PlatformDiscord, store, &recordingSubmitter{}, staticParser)

	err := e.Run(context.Background(), scanFunc(func(context.Context) (int, error) { panic("nil map") }), RunOptions{SleepUnit: time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan panic")
	assert.Equal(t, 1, store.cleanups)
}

func TestRunSignalStopsDuringSleep(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, core.PlatformTelegram, store, &recordingSubmitter{}, staticParser)

	var sigCh chan<- os.Signal
	e.notify = func(c chan<- os.Signal, _ ...os.Signal) { sigCh = c }

	scanner := &countingScanner{fn: func(int) (int, error) {
		sigCh <- syscall.SIGTERM
		return 0, nil
	}}

	done := make(chan error, 1)
	go func() {
		done <- e.Run(context.Background(), scanner, RunOptions{PollInterval: 60, SleepUnit: time.Hour})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after signal")
	}
	assert.Equal(t, 1, scanner.Calls())
	assert.True(t, e.Exiting())
	assert.Equal(t, 1, store.cleanups)
}
