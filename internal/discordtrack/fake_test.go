package discordtrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/tracker"
)

type fakeGateway struct {
	mu         sync.Mutex
	ready      bool
	bot        User
	guilds     []Guild
	channels   map[string][]Channel
	memberErr  map[string]error
	access     map[string]Access
	accessErr  map[string]error
	history    map[string][]Message
	historyErr map[string]error
	messages   map[string]Message
	handlers   Handlers
	opened     int
	closed     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		ready:      true,
		bot:        User{ID: "999", Username: "RewardsBot"},
		channels:   make(map[string][]Channel),
		memberErr:  make(map[string]error),
		access:     make(map[string]Access),
		accessErr:  make(map[string]error),
		history:    make(map[string][]Message),
		historyErr: make(map[string]error),
		messages:   make(map[string]Message),
	}
}

func (f *fakeGateway) addChannel(ch Channel, access Access) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.GuildID] = append(f.channels[ch.GuildID], ch)
	f.access[ch.ID] = access
}

func (f *fakeGateway) Open(_ context.Context, h Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
	f.opened++
	return nil
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeGateway) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeGateway) BotUser() User { return f.bot }

func (f *fakeGateway) Guilds() []Guild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Guild(nil), f.guilds...)
}

func (f *fakeGateway) Guild(_ context.Context, guildID string) (Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.guilds {
		if g.ID == guildID {
			return g, nil
		}
	}
	return Guild{}, ErrNotFound
}

func (f *fakeGateway) GuildChannels(_ context.Context, guildID string) ([]Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Channel(nil), f.channels[guildID]...), nil
}

func (f *fakeGateway) Channel(_ context.Context, channelID string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.channels {
		for _, ch := range list {
			if ch.ID == channelID {
				return ch, nil
			}
		}
	}
	return Channel{}, ErrNotFound
}

func (f *fakeGateway) BotMember(_ context.Context, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberErr[guildID]
}

func (f *fakeGateway) ChannelAccess(_ context.Context, ch Channel) (Access, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.accessErr[ch.ID]; err != nil {
		return Access{}, err
	}
	return f.access[ch.ID], nil
}

func (f *fakeGateway) ChannelMessages(_ context.Context, channelID string, _ int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.historyErr[channelID]; err != nil {
		return nil, err
	}
	return append([]Message(nil), f.history[channelID]...), nil
}

func (f *fakeGateway) Message(_ context.Context, channelID, messageID string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[channelID+"/"+messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

type memStore struct {
	mu        sync.Mutex
	processed map[string]bool
	actions   []string
}

func (m *memStore) IsProcessed(_ context.Context, itemID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[itemID], nil
}

func (m *memStore) MarkProcessed(_ context.Context, itemID, _ string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[itemID] = true
	return nil
}

func (m *memStore) LogAction(_ context.Context, _, action string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	return nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []core.Contribution
	err   error

	// entered and release, when set, hold Submit until the test lets go.
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSubmitter) Submit(_ context.Context, c core.Contribution) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	err := s.err
	s.mu.Unlock()
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *fakeSubmitter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSubmitter) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fakeMetrics struct {
	mu          sync.Mutex
	rateLimited int
	tracked     int
}

func (m *fakeMetrics) ChannelRateLimited(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

func (m *fakeMetrics) SetTrackedChannels(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = n
}

type harness struct {
	gw      *fakeGateway
	store   *memStore
	sub     *fakeSubmitter
	metrics *fakeMetrics
	tr      *Tracker
	slept   []time.Duration
	clock   time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithParser(t, cfg, nil)
}

// newHarnessWithParser builds the engine with mk's parser; nil keeps the
// echoing test parser.
func newHarnessWithParser(t *testing.T, cfg Config, mk func(Gateway) tracker.Parser) *harness {
	t.Helper()
	h := &harness{
		gw:      newFakeGateway(),
		store:   &memStore{processed: make(map[string]bool)},
		sub:     &fakeSubmitter{},
		metrics: &fakeMetrics{},
		clock:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	var parser tracker.Parser = tracker.ParserFunc(func(d core.MentionData) (core.Parsed, error) {
		if d.Text == "" {
			return core.Parsed{}, errors.New("empty")
		}
		return core.Parsed{Type: "other", Level: 1, Comment: d.Text}, nil
	})
	if mk != nil {
		parser = mk(h.gw)
	}
	engine, err := tracker.New(tracker.Options{
		Platform:  core.PlatformDiscord,
		Store:     h.store,
		Submitter: h.sub,
		Parser:    parser,
	})
	require.NoError(t, err)
	h.tr = New(engine, h.gw, cfg, h.metrics)
	h.tr.now = func() time.Time { return h.clock }
	h.tr.sleep = func(_ context.Context, d time.Duration) { h.slept = append(h.slept, d) }
	h.tr.drops = newDropLogger(h.clock, false, 0, nil)
	return h
}

func (h *harness) mention(guildID, channelID, id string) Message {
	return Message{
		ID:         id,
		GuildID:    guildID,
		ChannelID:  channelID,
		Author:     User{ID: "u-" + id, DisplayName: "user " + id},
		Content:    fmt.Sprintf("<@%s> thanks for the fix", h.gw.bot.ID),
		MentionIDs: []string{h.gw.bot.ID},
	}
}
