package telegramtrack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/tracker"
)

const (
	DefaultChatDelay    = time.Second
	DefaultHistoryLimit = 100
	previewRunes        = 200
)

type Config struct {
	// BotUsername is matched case-sensitively, e.g. "@rewards_bot".
	BotUsername  string
	Chats        []string
	ChatDelay    time.Duration
	HistoryLimit int
}

// Tracker scans a fixed list of chats on each engine iteration.
type Tracker struct {
	engine *tracker.Engine
	client ChatClient
	cfg    Config
	logger *slog.Logger

	sleep func(context.Context, time.Duration) error
}

func New(engine *tracker.Engine, client ChatClient, cfg Config) *Tracker {
	if cfg.ChatDelay < 0 {
		cfg.ChatDelay = 0
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	logger := slog.Default()
	if engine != nil && engine.Logger() != nil {
		logger = engine.Logger()
	}
	return &Tracker{
		engine: engine,
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// CheckMentions runs one pass over every tracked chat and returns the number
// of mentions submitted. Scan errors are logged and recorded, never returned.
func (t *Tracker) CheckMentions(ctx context.Context) (int, error) {
	if t.client == nil || len(t.cfg.Chats) == 0 {
		return 0, nil
	}
	n, err := t.scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		t.logger.Error("telegramtrack: scan failed", "err", err)
		t.engine.LogAction(context.WithoutCancel(ctx), tracker.ActionError, map[string]any{
			"stage": "check_mentions",
			"error": err.Error(),
		})
		return 0, nil
	}
	return n, nil
}

func (t *Tracker) scan(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("panic: %v", r)
		}
	}()
	if strings.TrimSpace(t.cfg.BotUsername) == "" {
		return 0, errors.New("bot username not configured")
	}

	for _, ref := range t.cfg.Chats {
		chat, err := t.client.ResolveChat(ctx, ref)
		if err != nil {
			t.logger.Warn("telegramtrack: cannot resolve chat", "chat", ref, "err", err)
			continue
		}
		found, err := t.scanChat(ctx, chat)
		if err != nil {
			return 0, err
		}
		n += found
		if err := t.sleep(ctx, t.cfg.ChatDelay); err != nil {
			return n, nil
		}
	}
	return n, nil
}

func (t *Tracker) scanChat(ctx context.Context, chat Chat) (int, error) {
	msgs, err := t.client.RecentMessages(ctx, chat, t.cfg.HistoryLimit)
	if err != nil {
		return 0, fmt.Errorf("chat %d: %w", chat.ID, err)
	}
	n := 0
	for _, msg := range msgs {
		if msg.Text == "" || !strings.Contains(msg.Text, t.cfg.BotUsername) {
			continue
		}
		itemID := core.TelegramItemID(chat.ID, msg.ID)
		done, err := t.engine.IsProcessed(ctx, itemID)
		if err != nil {
			t.logger.Warn("telegramtrack: processed lookup failed", "item_id", itemID, "err", err)
			continue
		}
		if done {
			continue
		}
		data := t.ExtractMentionData(ctx, chat, msg)
		if data.Contributor == "" {
			t.logger.Warn("telegramtrack: mention has no sender, skipping", "item_id", itemID)
			continue
		}
		if t.engine.ProcessMention(ctx, itemID, data) {
			n++
		}
	}
	return n, nil
}

// ExtractMentionData credits the replied-to sender when msg is a reply and
// the message's own sender otherwise.
func (t *Tracker) ExtractMentionData(ctx context.Context, chat Chat, msg Message) core.MentionData {
	suggester := t.resolveSender(ctx, chat.ID, msg.SenderID)
	self := MessageURL(chat, msg.ID)
	data := core.MentionData{
		Suggester:       handle(suggester),
		SuggesterName:   label(suggester),
		Contributor:     handle(suggester),
		ContributorName: label(suggester),
		SuggestionURL:   self,
		ContributionURL: self,
		Platform:        core.PlatformTelegram,
		GuildLabel:      firstNonEmpty(chat.Title, chat.Username),
		Text:            msg.Text,
		ContentPreview:  core.Preview(strings.TrimSpace(msg.Text), previewRunes),
		Ts:              msg.Date,
	}

	if msg.ReplyToID != 0 {
		replied, err := t.client.Message(ctx, chat.ID, msg.ReplyToID)
		if err != nil {
			t.logger.Debug("telegramtrack: reply target unresolved", "chat_id", chat.ID, "message_id", msg.ReplyToID, "err", err)
			return data
		}
		data.RepliedPreview = core.Preview(strings.TrimSpace(replied.Text), previewRunes)
		if replied.SenderID == 0 {
			t.logger.Debug("telegramtrack: reply target has no sender", "chat_id", chat.ID, "message_id", replied.ID)
			return data
		}
		contributor := t.resolveSender(ctx, chat.ID, replied.SenderID)
		data.Contributor = handle(contributor)
		data.ContributorName = label(contributor)
		data.ContributionURL = MessageURL(chat, replied.ID)
	}
	return data
}

// resolveSender falls back to the bare id when the lookup fails.
func (t *Tracker) resolveSender(ctx context.Context, chatID, userID int64) Sender {
	if userID == 0 {
		return Sender{}
	}
	s, err := t.client.Sender(ctx, chatID, userID)
	if err != nil {
		t.logger.Debug("telegramtrack: sender unresolved", "user_id", userID, "err", err)
		return Sender{ID: userID}
	}
	if s.ID == 0 {
		s.ID = userID
	}
	return s
}

// MessageURL links to a public chat message; private chats get an opaque
// local token instead.
func MessageURL(chat Chat, messageID int64) string {
	if chat.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(chat.Username, "@"), messageID)
	}
	return fmt.Sprintf("chat_%d_msg_%d", chat.ID, messageID)
}

func handle(s Sender) string {
	if s.ID == 0 {
		return ""
	}
	return strconv.FormatInt(s.ID, 10)
}

func label(s Sender) string {
	return firstNonEmpty(s.DisplayName, s.Username)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
