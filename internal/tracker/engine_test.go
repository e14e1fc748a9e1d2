package tracker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/mention-tracker/internal/core"
)

type memStore struct {
	mu        sync.Mutex
	processed map[string]any
	actions   []string
	details   []map[string]any
	markErr   error
	lookupErr error
	cleanups  int
}

func newMemStore() *memStore {
	return &memStore{processed: make(map[string]any)}
}

func (m *memStore) IsProcessed(_ context.Context, itemID, platform string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return false, m.lookupErr
	}
	_, ok := m.processed[platform+"/"+itemID]
	return ok, nil
}

func (m *memStore) MarkProcessed(_ context.Context, itemID, platform string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	if _, ok := m.processed[platform+"/"+itemID]; !ok {
		m.processed[platform+"/"+itemID] = payload
	}
	return nil
}

func (m *memStore) LogAction(_ context.Context, _, action string, details map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	m.details = append(m.details, details)
	return nil
}

func (m *memStore) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	return nil
}

func (m *memStore) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.actions...)
}

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []core.Contribution
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, c core.Contribution) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if r.err != nil {
		return nil, r.err
	}
	return map[string]any{"ok": true}, nil
}

func (r *recordingSubmitter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var staticParser = ParserFunc(func(data core.MentionData) (core.Parsed, error) {
	return core.Parsed{Type: "content", Level: 2, Title: "t", Comment: data.Text}, nil
})

func newTestEngine(t *testing.T, platform string, store *memStore, sub *recordingSubmitter, parser Parser) *Engine {
	t.Helper()
	e, err := New(Options{Platform: platform, Store: store, Submitter: sub, Parser: parser})
	require.NoError(t, err)
	e.notify = func(chan<- os.Signal, ...os.Signal) {}
	e.stop = func(chan<- os.Signal) {}
	return e
}

func sampleMention() core.MentionData {
	return core.MentionData{
		Suggester:       "111",
		Contributor:     "222",
		SuggestionURL:   "https://discord.com/channels/1/2/3",
		ContributionURL: "https://discord.com/channels/1/2/0",
		Platform:        core.PlatformDiscord,
		Text:            "wrote docs",
	}
}

func TestNewRejectsUnknownPlatform(t *testing.T) {
	_, err := New(Options{Platform: "irc", Store: newMemStore(), Submitter: &recordingSubmitter{}, Parser: staticParser})
	require.Error(t, err)
}

func TestProcessMentionIsIdempotent(t *testing.T) {
	store := newMemStore()
	sub := &recordingSubmitter{}
	e := newTestEngine(t, core.PlatformDiscord, store, sub, staticParser)
	ctx := context.Background()

	assert.True(t, e.ProcessMention(ctx, "discord_1_2_3", sampleMention()))
	assert.False(t, e.ProcessMention(ctx, "discord_1_2_3", sampleMention()))

	assert.Equal(t, 1, sub.Count())
	assert.Equal(t, []string{ActionMentionProcessed}, store.Actions())
	processed, err := e.IsProcessed(ctx, "discord_1_2_3")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestProcessMentionSubmissionFailureLeavesItemUnmarked(t *testing.T) {
	store := newMemStore()
	sub := &recordingSubmitter{err: errors.New("API returned error: 500 - boom")}
	e := newTestEngine(t, core.PlatformDiscord, store, sub, staticParser)
	ctx := context.Background()

	assert.False(t, e.ProcessMention(ctx, "discord_1_2_3", sampleMention()))

	processed, err := e.IsProcessed(ctx, "discord_1_2_3")
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, []string{ActionProcessingError}, store.Actions())
	assert.Equal(t, "API returned error: 500 - boom", store.details[0]["error"])
}

func TestProcessMentionParserFailures(t *testing.T) {
	cases := map[string]Parser{
		"error": ParserFunc(func(core.MentionData) (core.Parsed, error) { return core.Parsed{}, errors.New("empty") }),
		"panic": ParserFunc(func(core.MentionData) (core.Parsed, error) { panic("bad input") }),
	}
	for name, parser := range cases {
		t.Run(name, func(t *testing.T) {
			store := newMemStore()
			sub := &recordingSubmitter{}
			e := newTestEngine(t, core.PlatformTelegram, store, sub, parser)

			assert.False(t, e.ProcessMention(context.Background(), "telegram_1_2", sampleMention()))
			assert.Equal(t, 0, sub.Count())
			assert.Equal(t, []string{ActionProcessingError}, store.Actions())
		})
	}
}

func TestProcessMentionMarkFailure(t *testing.T) {
	store := newMemStore()
	store.markErr = errors.New("disk full")
	sub := &recordingSubmitter{}
	e := newTestEngine(t, core.PlatformDiscord, store, sub, staticParser)

	assert.False(t, e.ProcessMention(context.Background(), "discord_1_2_3", sampleMention()))
	assert.Equal(t, 1, sub.Count())
	assert.Equal(t, []string{ActionProcessingError}, store.Actions())
}

func TestProcessMentionLookupFailureSkipsSubmission(t *testing.T) {
	store := newMemStore()
	store.lookupErr = errors.New("locked")
	sub := &recordingSubmitter{}
	e := newTestEngine(t, core.PlatformDiscord, store, sub, staticParser)

	assert.False(t, e.ProcessMention(context.Background(), "discord_1_2_3", sampleMention()))
	assert.Equal(t, 0, sub.Count())
}

func TestPrepareContributionData(t *testing.T) {
	e := newTestEngine(t, core.PlatformDiscord, newMemStore(), &recordingSubmitter{}, staticParser)

	c := e.PrepareContributionData(core.Parsed{Type: "bug", Level: 3, Comment: "c"}, sampleMention())
	assert.Equal(t, "discord:222", c.Username)
	assert.Equal(t, "https://discord.com/channels/1/2/0", c.URL)
	assert.Equal(t, "Discord", c.Platform)
	assert.Equal(t, "bug", c.Type)
	assert.Equal(t, 3, c.Level)
	assert.Equal(t, "111", c.Suggester)
}

func TestCleanupRunsOnce(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, core.PlatformDiscord, store, &recordingSubmitter{}, staticParser)

	require.NoError(t, e.Cleanup())
	require.NoError(t, e.Cleanup())
	assert.Equal(t, 1, store.cleanups)
}
