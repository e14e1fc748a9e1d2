package telegramtrack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/tracker"
)

type fakeClient struct {
	chats      map[string]Chat
	history    map[int64][]Message
	historyErr error
	senders    map[int64]Sender
	resolved   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chats:   make(map[string]Chat),
		history: make(map[int64][]Message),
		senders: make(map[int64]Sender),
	}
}

func (f *fakeClient) ResolveChat(_ context.Context, ref string) (Chat, error) {
	f.resolved = append(f.resolved, ref)
	c, ok := f.chats[ref]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	return c, nil
}

func (f *fakeClient) RecentMessages(_ context.Context, chat Chat, _ int) ([]Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[chat.ID], nil
}

func (f *fakeClient) Message(_ context.Context, chatID, messageID int64) (Message, error) {
	for _, m := range f.history[chatID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return Message{}, ErrMessageNotFound
}

func (f *fakeClient) Sender(_ context.Context, _, userID int64) (Sender, error) {
	s, ok := f.senders[userID]
	if !ok {
		return Sender{}, errors.New("user not found")
	}
	return s, nil
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

type recordingSubmitter struct {
	calls []core.Contribution
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, c core.Contribution) (map[string]any, error) {
	r.calls = append(r.calls, c)
	if r.err != nil {
		return nil, r.err
	}
	return map[string]any{"ok": true}, nil
}

type fixture struct {
	client *fakeClient
	store  *memStore
	sub    *recordingSubmitter
	tr     *Tracker
	slept  []time.Duration
}

func newFixture(t *testing.T, chats ...string) *fixture {
	t.Helper()
	f := &fixture{
		client: newFakeClient(),
		store:  &memStore{processed: make(map[string]bool)},
		sub:    &recordingSubmitter{},
	}
	engine, err := tracker.New(tracker.Options{
		Platform:  core.PlatformTelegram,
		Store:     f.store,
		Submitter: f.sub,
		Parser: tracker.ParserFunc(func(d core.MentionData) (core.Parsed, error) {
			return core.Parsed{Type: "other", Level: 1, Comment: d.Text}, nil
		}),
	})
	require.NoError(t, err)
	f.tr = New(engine, f.client, Config{
		BotUsername: "@rewards_bot",
		Chats:       chats,
		ChatDelay:   time.Second,
	})
	f.tr.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func TestCheckMentions_NoClientOrChats(t *testing.T) {
	f := newFixture(t)
	n, err := f.tr.CheckMentions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.client.resolved)

	f.tr.client = nil
	f.tr.cfg.Chats = []string{"@devs"}
	n, err = f.tr.CheckMentions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckMentions_MatchesCaseSensitiveUsername(t *testing.T) {
	f := newFixture(t, "@devs")
	f.client.chats["@devs"] = Chat{ID: -100, Username: "devs", Title: "Devs"}
	f.client.senders[7] = Sender{ID: 7, Username: "alice", DisplayName: "Alice"}
	f.client.history[-100] = []Message{
		{ID: 3, ChatID: -100, SenderID: 7, Text: "thanks @rewards_bot"},
		{ID: 2, ChatID: -100, SenderID: 7, Text: "thanks @REWARDS_BOT"},
		{ID: 1, ChatID: -100, SenderID: 7, Text: ""},
	}

	n, err := f.tr.CheckMentions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.sub.calls, 1)
	assert.Equal(t, "telegram:7", f.sub.calls[0].Username)
	assert.Equal(t, "https://t.me/devs/3", f.sub.calls[0].URL)
	assert.Equal(t, "Telegram", f.sub.calls[0].Platform)
	assert.True(t, f.store.processed["telegram_-100_3"])

	n, err = f.tr.CheckMentions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.sub.calls, 1)
}

func TestCheckMentions_DelayAfterEveryChat(t *testing.T) {
	f := newFixture(t, "@a", "@missing", "@b")
	f.client.chats["@a"] = Chat{ID: 1, Username: "a"}
	f.client.chats["@b"] = Chat{ID: 2, Username: "b"}

	_, err := f.tr.CheckMentions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"@a", "@missing", "@b"}, f.client.resolved)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, f.slept)
}

func TestCheckMentions_ScanErrorRecordedAndZero(t *testing.T) {
	f := newFixture(t, "@a")
	f.client.chats["@a"] = Chat{ID: 1, Username: "a"}
	f.client.historyErr = errors.New("flood wait")

	n, err := f.tr.CheckMentions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{tracker.ActionError}, f.store.actions)
}

func TestCheckMentions_FailedSubmissionRetriedNextPass(t *testing.T) {
	f := newFixture(t, "@a")
	f.client.chats["@a"] = Chat{ID: 1, Username: "a"}
	f.client.history[1] = []Message{{ID: 9, ChatID: 1, SenderID: 5, Text: "@rewards_bot ship it"}}
	f.sub.err = errors.New("API request timed out")

	n, _ := f.tr.CheckMentions(context.Background())
	assert.Zero(t, n)
	assert.False(t, f.store.processed["telegram_1_9"])

	f.sub.err = nil
	n, _ = f.tr.CheckMentions(context.Background())
	assert.Equal(t, 1, n)
	assert.Len(t, f.sub.calls, 2)
}

func TestExtractMentionData_ReplyCreditsRepliedSender(t *testing.T) {
	f := newFixture(t)
	chat := Chat{ID: -42, Title: "Private group"}
	f.client.senders[1] = Sender{ID: 1, Username: "bob", DisplayName: "Bob"}
	f.client.senders[2] = Sender{ID: 2, Username: "carol"}
	f.client.history[-42] = []Message{
		{ID: 10, ChatID: -42, SenderID: 2, Text: "fixed the docs"},
	}
	msg := Message{ID: 11, ChatID: -42, SenderID: 1, ReplyToID: 10, Text: "@rewards_bot great docs"}

	data := f.tr.ExtractMentionData(context.Background(), chat, msg)
	assert.Equal(t, "1", data.Suggester)
	assert.Equal(t, "Bob", data.SuggesterName)
	assert.Equal(t, "2", data.Contributor)
	assert.Equal(t, "carol", data.ContributorName)
	assert.Equal(t, "chat_-42_msg_11", data.SuggestionURL)
	assert.Equal(t, "chat_-42_msg_10", data.ContributionURL)
	assert.Equal(t, "Private group", data.GuildLabel)
	assert.Equal(t, "fixed the docs", data.RepliedPreview)
}

func TestExtractMentionData_SenderFallback(t *testing.T) {
	f := newFixture(t)
	chat := Chat{ID: 5, Username: "pub"}
	data := f.tr.ExtractMentionData(context.Background(), chat, Message{ID: 1, SenderID: 99, Text: "@rewards_bot"})
	assert.Equal(t, "99", data.Contributor)
	assert.Empty(t, data.ContributorName)
	assert.Equal(t, "https://t.me/pub/1", data.ContributionURL)
}

func TestCheckMentions_SkipsMentionWithoutSender(t *testing.T) {
	f := newFixture(t, "@a")
	f.client.chats["@a"] = Chat{ID: 1, Username: "a"}
	f.client.history[1] = []Message{{ID: 4, ChatID: 1, Text: "@rewards_bot anonymous post"}}

	n, err := f.tr.CheckMentions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.sub.calls)
	assert.False(t, f.store.processed["telegram_1_4"])
}

func TestExtractMentionData_ReplyToSenderlessPostCreditsSuggester(t *testing.T) {
	f := newFixture(t)
	chat := Chat{ID: -7, Username: "news"}
	f.client.senders[3] = Sender{ID: 3, Username: "dave"}
	f.client.history[-7] = []Message{{ID: 20, ChatID: -7, Text: "release notes for v2"}}
	msg := Message{ID: 21, ChatID: -7, SenderID: 3, ReplyToID: 20, Text: "@rewards_bot"}

	data := f.tr.ExtractMentionData(context.Background(), chat, msg)
	assert.Equal(t, "3", data.Contributor)
	assert.Equal(t, "https://t.me/news/21", data.ContributionURL)
	assert.Equal(t, "release notes for v2", data.RepliedPreview)
}

func TestMessageURL(t *testing.T) {
	assert.Equal(t, "https://t.me/news/4", MessageURL(Chat{ID: 1, Username: "@news"}, 4))
	assert.Equal(t, "chat_-1001_msg_4", MessageURL(Chat{ID: -1001}, 4))
}
