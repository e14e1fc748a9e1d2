package discordtrack

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/tracker"
)

const (
	DefaultDiscoveryInterval = 30 * time.Minute
	DefaultHistoryInterval   = 10 * time.Minute
	DefaultHistoryLimit      = 50
	DefaultCooldown          = 60 * time.Second
	DefaultRetryAfter        = 5 * time.Second
)

// DefaultExcludedTypes are skipped during discovery unless included by id.
var DefaultExcludedTypes = []ChannelType{ChannelVoice, ChannelCategory, ChannelStage}

type Config struct {
	// Guilds is the allow-list; empty means every guild the bot is in.
	Guilds            []string
	AutoDiscover      bool
	ExcludedTypes     []ChannelType
	IncludeChannels   []string
	ExcludeChannels   []string
	DiscoveryInterval time.Duration
	HistoryInterval   time.Duration
	HistoryLimit      int
	Cooldown          time.Duration
	BackfillWorkers   int
	SeenCapacity      int
	VerboseDrops      bool
}

// Metrics receives adapter gauges. httpapi.Metrics satisfies it.
type Metrics interface {
	ChannelRateLimited(platform string)
	SetTrackedChannels(platform string, n int)
}

// Tracker is the event-driven Discord adapter.
type Tracker struct {
	engine  *tracker.Engine
	gw      Gateway
	cfg     Config
	metrics Metrics
	logger  *slog.Logger

	registry *Registry
	seen     *seenSet
	inflight *claims
	drops    *dropLogger

	mu            sync.RWMutex
	guilds        map[string]struct{}
	included      map[string]struct{}
	excluded      map[string]struct{}
	excludedTypes map[ChannelType]struct{}

	checkMu   sync.Mutex
	lastCheck map[string]time.Time

	stateMu       sync.Mutex
	lastDiscovery time.Time
	lastBackfill  time.Time

	// live handlers still running; drained before the gateway closes
	liveMu      sync.Mutex
	liveStopped bool
	liveWG      sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(engine *tracker.Engine, gw Gateway, cfg Config, metrics Metrics) *Tracker {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if cfg.HistoryInterval <= 0 {
		cfg.HistoryInterval = DefaultHistoryInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.BackfillWorkers <= 0 {
		cfg.BackfillWorkers = 1
	}
	if cfg.ExcludedTypes == nil {
		cfg.ExcludedTypes = DefaultExcludedTypes
	}
	logger := slog.Default()
	if engine != nil {
		logger = engine.Logger()
	}
	t := &Tracker{
		engine:    engine,
		gw:        gw,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		registry:  NewRegistry(),
		seen:      newSeenSet(cfg.SeenCapacity),
		inflight:  newClaims(),
		drops:     newDropLogger(time.Now(), cfg.VerboseDrops, 0, logger),
		guilds:    toSet(cfg.Guilds),
		lastCheck: make(map[string]time.Time),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	t.SetOverrides(cfg.IncludeChannels, cfg.ExcludeChannels, cfg.ExcludedTypes)
	return t
}

// Registry exposes the tracked channel registry.
func (t *Tracker) Registry() *Registry { return t.registry }

// SetOverrides replaces the manual include/exclude lists and excluded types.
// A nil types slice leaves the current exclusions unchanged.
func (t *Tracker) SetOverrides(include, exclude []string, types []ChannelType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.included = toSet(include)
	t.excluded = toSet(exclude)
	if types != nil {
		t.excludedTypes = make(map[ChannelType]struct{}, len(types))
		for _, ct := range types {
			t.excludedTypes[ChannelType(strings.ToLower(string(ct)))] = struct{}{}
		}
	}
}

// IsChannelTrackable applies the trackability rules in order; the first
// matching rule decides.
func (t *Tracker) IsChannelTrackable(ctx context.Context, ch Channel, guildID string) bool {
	t.mu.RLock()
	_, included := t.included[ch.ID]
	_, typeExcluded := t.excludedTypes[ch.Type]
	_, excluded := t.excluded[ch.ID]
	t.mu.RUnlock()

	switch {
	case included:
		return true
	case typeExcluded:
		return false
	case excluded:
		return false
	}

	if err := t.gw.BotMember(ctx, guildID); err != nil {
		t.logger.Debug("discordtrack: bot membership unavailable", "guild_id", guildID, "err", err)
		return false
	}

	access, err := t.gw.ChannelAccess(ctx, ch)
	if errors.Is(err, ErrPermissionsUnsupported) {
		return true
	}
	if err != nil {
		t.logger.Debug("discordtrack: permission check failed", "channel_id", ch.ID, "err", err)
		return false
	}
	return access.View && access.History
}

func (t *Tracker) guildAllowed(guildID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.guilds) == 0 {
		return true
	}
	_, ok := t.guilds[guildID]
	return ok
}

// DiscoverChannels rebuilds the registry for every tracked guild.
func (t *Tracker) DiscoverChannels(ctx context.Context) int {
	var guildIDs []string
	t.mu.RLock()
	for id := range t.guilds {
		guildIDs = append(guildIDs, id)
	}
	t.mu.RUnlock()
	if len(guildIDs) == 0 {
		for _, g := range t.gw.Guilds() {
			guildIDs = append(guildIDs, g.ID)
		}
	}

	for _, guildID := range guildIDs {
		if ctx.Err() != nil {
			break
		}
		if err := t.DiscoverGuild(ctx, guildID); err != nil {
			t.logger.Error("discordtrack: discovery failed", "guild_id", guildID, "err", err)
		}
	}

	t.stateMu.Lock()
	t.lastDiscovery = t.now()
	t.stateMu.Unlock()

	n := t.registry.Len()
	t.publishTracked()
	t.logger.Info("discordtrack: channel discovery complete", "guilds", len(guildIDs), "channels", n)
	return n
}

// DiscoverGuild replaces one guild's registry entry with its trackable channels.
func (t *Tracker) DiscoverGuild(ctx context.Context, guildID string) error {
	channels, err := t.gw.GuildChannels(ctx, guildID)
	if err != nil {
		return err
	}

	t.mu.RLock()
	auto := t.cfg.AutoDiscover
	t.mu.RUnlock()

	var tracked []string
	for _, ch := range channels {
		if !auto {
			t.mu.RLock()
			_, included := t.included[ch.ID]
			t.mu.RUnlock()
			if !included {
				continue
			}
		}
		if t.IsChannelTrackable(ctx, ch, guildID) {
			tracked = append(tracked, ch.ID)
		}
	}
	t.registry.Set(guildID, tracked)
	t.logger.Debug("discordtrack: guild discovered", "guild_id", guildID, "channels", len(tracked), "seen", len(channels))
	return nil
}

// OnGuildJoin discovers a newly joined guild if it is allowed.
func (t *Tracker) OnGuildJoin(ctx context.Context, g Guild) {
	if !t.guildAllowed(g.ID) {
		return
	}
	t.logger.Info("discordtrack: joined guild", "guild_id", g.ID, "guild", g.Name)
	if err := t.DiscoverGuild(ctx, g.ID); err != nil {
		t.logger.Error("discordtrack: discovery failed", "guild_id", g.ID, "err", err)
	}
	t.publishTracked()
}

// OnGuildLeave forgets every channel of a guild.
func (t *Tracker) OnGuildLeave(guildID string) {
	t.registry.RemoveGuild(guildID)
	t.logger.Info("discordtrack: left guild", "guild_id", guildID)
	t.publishTracked()
}

// Rediscover runs a full discovery pass and reports how many channels are tracked.
func (t *Tracker) Rediscover(ctx context.Context) (int, error) {
	if t.gw == nil {
		return 0, errors.New("discordtrack: no gateway")
	}
	if !t.gw.Ready() {
		return 0, errors.New("discordtrack: gateway not ready")
	}
	return t.DiscoverChannels(ctx), nil
}

func (t *Tracker) publishTracked() {
	if t.metrics != nil {
		t.metrics.SetTrackedChannels(core.PlatformDiscord, t.registry.Len())
	}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out[item] = struct{}{}
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
