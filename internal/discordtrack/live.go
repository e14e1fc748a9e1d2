package discordtrack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you/mention-tracker/internal/core"
)

// HandleMessage runs the live path for one gateway message and reports
// whether a mention was submitted.
func (t *Tracker) HandleMessage(ctx context.Context, msg Message) bool {
	bot := t.gw.BotUser()
	if reason := t.liveDropReason(msg, bot); reason != "" {
		t.drops.note(t.now(), reason, msg)
		return false
	}
	return t.processCandidate(ctx, msg)
}

func (t *Tracker) liveDropReason(msg Message, bot User) string {
	switch {
	case msg.Author.ID == bot.ID:
		return dropBotAuthor
	case msg.GuildID == "":
		return dropDirectMessage
	case !t.guildAllowed(msg.GuildID):
		return dropUntrackedGuild
	case !t.registry.Tracked(msg.ChannelID):
		return dropUntrackedChannel
	case !mentionsBot(msg, bot):
		return dropNoMention
	}
	return ""
}

// processCandidate dedups and submits one mention. The in-memory set only
// learns an id after a successful submission.
func (t *Tracker) processCandidate(ctx context.Context, msg Message) bool {
	itemID := core.DiscordItemID(msg.GuildID, msg.ChannelID, msg.ID)
	if t.seen.Has(itemID) {
		return false
	}
	if !t.inflight.Acquire(itemID) {
		return false
	}
	defer t.inflight.Release(itemID)

	processed, err := t.engine.IsProcessed(ctx, itemID)
	if err != nil {
		t.logger.Warn("discordtrack: dedup lookup failed", "item_id", itemID, "err", err)
		return false
	}
	if processed {
		return false
	}

	data := t.ExtractMentionData(ctx, msg)
	if !t.engine.ProcessMention(ctx, itemID, data) {
		return false
	}
	t.seen.Add(itemID)
	return true
}

// Start opens the gateway. With live set, inbound messages run through
// HandleMessage; discovery always runs once the session is ready.
func (t *Tracker) Start(ctx context.Context, live bool) error {
	if t.gw == nil {
		return errors.New("discordtrack: no gateway connection")
	}
	h := Handlers{
		Ready: func() {
			go t.DiscoverChannels(ctx)
		},
		GuildJoin: func(g Guild) {
			t.OnGuildJoin(ctx, g)
		},
		GuildLeave: t.OnGuildLeave,
	}
	if live {
		t.liveMu.Lock()
		t.liveStopped = false
		t.liveMu.Unlock()
		// Handlers outlive ctx so a submitted mention is always marked.
		handlerCtx := context.WithoutCancel(ctx)
		h.Message = func(m Message) {
			if !t.enterLive() {
				return
			}
			defer t.liveWG.Done()
			t.HandleMessage(handlerCtx, m)
		}
	}
	return t.gw.Open(ctx, h)
}

func (t *Tracker) enterLive() bool {
	t.liveMu.Lock()
	defer t.liveMu.Unlock()
	if t.liveStopped {
		return false
	}
	t.liveWG.Add(1)
	return true
}

// drainLive stops accepting live events and waits for running handlers.
func (t *Tracker) drainLive() {
	t.liveMu.Lock()
	t.liveStopped = true
	t.liveMu.Unlock()
	t.liveWG.Wait()
}

// WaitReady blocks until the gateway reports ready or ctx ends.
func (t *Tracker) WaitReady(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !t.gw.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// RunContinuous serves live events and runs discovery and backfill on their
// own tickers until ctx ends. In-flight live handlers finish before the
// gateway is closed on every exit path.
func (t *Tracker) RunContinuous(ctx context.Context) (err error) {
	if err := t.Start(ctx, true); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discordtrack: continuous run panic: %v", r)
		}
		t.drainLive()
		t.drops.flush(t.now())
		if cerr := t.gw.Close(); cerr != nil {
			t.logger.Warn("discordtrack: close gateway", "err", cerr)
		}
	}()

	discovery := time.NewTicker(t.cfg.DiscoveryInterval)
	defer discovery.Stop()
	backfill := time.NewTicker(t.cfg.HistoryInterval)
	defer backfill.Stop()

	t.logger.Info("discordtrack: continuous mode started",
		"discovery_interval", t.cfg.DiscoveryInterval.String(),
		"history_interval", t.cfg.HistoryInterval.String(),
	)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("discordtrack: stopping continuous mode")
			return nil
		case <-discovery.C:
			if t.gw.Ready() {
				t.DiscoverChannels(ctx)
			}
		case <-backfill.C:
			found, err := t.CheckMentions(ctx)
			if err != nil {
				return err
			}
			if found > 0 {
				t.logger.Info(fmt.Sprintf("discordtrack: Found %d new mentions in history", found))
			}
		}
	}
}
