package discordtrack

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gammazero/workerpool"

	"github.com/you/mention-tracker/internal/core"
)

// CheckChannelHistory backfills one channel and returns how many mentions
// it submitted. It never fails: rate limits sleep, Forbidden deregisters
// the channel, anything else is logged.
func (t *Tracker) CheckChannelHistory(ctx context.Context, channelID, guildID string) (n int) {
	now := t.now()
	t.checkMu.Lock()
	if last, ok := t.lastCheck[channelID]; ok && now.Sub(last) < t.cfg.Cooldown {
		t.checkMu.Unlock()
		return 0
	}
	t.lastCheck[channelID] = now
	t.checkMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("discordtrack: history scan panic", "channel_id", channelID, "panic", fmt.Sprint(r))
			n = 0
		}
	}()

	n, err := t.scanChannel(ctx, channelID, guildID)
	if err != nil {
		t.handleHistoryError(ctx, err, channelID, guildID)
		return 0
	}
	return n
}

func (t *Tracker) scanChannel(ctx context.Context, channelID, guildID string) (int, error) {
	if _, err := t.gw.Channel(ctx, channelID); err != nil {
		return 0, err
	}
	msgs, err := t.gw.ChannelMessages(ctx, channelID, t.cfg.HistoryLimit)
	if err != nil {
		return 0, err
	}

	bot := t.gw.BotUser()
	count := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		// History responses omit guild_id.
		if msg.GuildID == "" {
			msg.GuildID = guildID
		}
		if msg.ChannelID == "" {
			msg.ChannelID = channelID
		}
		if msg.Author.ID == bot.ID || !mentionsBot(msg, bot) {
			continue
		}
		if t.processCandidate(ctx, msg) {
			count++
		}
	}
	return count, nil
}

func (t *Tracker) handleHistoryError(ctx context.Context, err error, channelID, guildID string) {
	var rl *RateLimitError
	var httpErr *HTTPError
	switch {
	case errors.As(err, &rl):
		retry := rl.RetryAfter
		if retry <= 0 {
			retry = DefaultRetryAfter
		}
		t.logger.Warn("discordtrack: rate limited fetching history", "channel_id", channelID, "retry_after", retry.String())
		if t.metrics != nil {
			t.metrics.ChannelRateLimited(core.PlatformDiscord)
		}
		t.sleep(ctx, retry)
	case errors.Is(err, ErrForbidden):
		t.logger.Warn("discordtrack: lost access to channel, untracking", "channel_id", channelID, "guild_id", guildID)
		if t.registry.RemoveChannel(guildID, channelID) {
			t.publishTracked()
		}
	case errors.As(err, &httpErr):
		t.logger.Error("discordtrack: http error fetching history", "channel_id", channelID, "status", httpErr.StatusCode, "err", err)
	default:
		t.logger.Error("discordtrack: history scan failed", "channel_id", channelID, "err", err)
	}
}

// CheckMentions backfills every tracked channel. A tracker without a
// gateway is a fatal misconfiguration; a gateway that is not ready yet
// yields zero.
func (t *Tracker) CheckMentions(ctx context.Context) (int, error) {
	if t.gw == nil {
		return 0, errors.New("discordtrack: no gateway connection")
	}
	if !t.gw.Ready() {
		t.logger.Debug("discordtrack: gateway not ready, skipping backfill")
		return 0, nil
	}

	pairs := t.registry.Pairs()
	var total atomic.Int64
	pool := workerpool.New(t.cfg.BackfillWorkers)
	for _, p := range pairs {
		p := p
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			total.Add(int64(t.CheckChannelHistory(ctx, p.ChannelID, p.GuildID)))
		})
	}
	pool.StopWait()

	t.stateMu.Lock()
	t.lastBackfill = t.now()
	t.stateMu.Unlock()

	found := int(total.Load())
	t.logger.Debug("discordtrack: backfill pass complete", "channels", len(pairs), "found", found)
	return found, nil
}
