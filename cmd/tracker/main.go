package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/you/mention-tracker/internal/config"
	"github.com/you/mention-tracker/internal/contribapi"
	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/dedup"
	"github.com/you/mention-tracker/internal/discordtrack"
	httpadmin "github.com/you/mention-tracker/internal/http"
	"github.com/you/mention-tracker/internal/httpapi"
	"github.com/you/mention-tracker/internal/overrides"
	"github.com/you/mention-tracker/internal/suggest"
	"github.com/you/mention-tracker/internal/telegramtrack"
	"github.com/you/mention-tracker/internal/tracker"
	"github.com/you/mention-tracker/internal/version"
)

const (
	modePoll       = "poll"
	modeContinuous = "continuous"
)

type options struct {
	Version       bool    `long:"version" description:"Print build version and exit"`
	Platform      string  `long:"platform" choice:"discord" choice:"telegram" description:"Platform adapter to run"`
	Mode          string  `long:"mode" choice:"poll" choice:"continuous" default:"poll" description:"Discord run mode; telegram always polls"`
	SQLite        string  `long:"sqlite" description:"Path to the dedup SQLite database"`
	APIBase       string  `long:"api-base" description:"Rewards backend base URL"`
	APIRPS        float64 `long:"api-rps" description:"Maximum contribution submissions per second"`
	PollMinutes   int     `long:"poll-minutes" description:"Minutes between polling passes"`
	MaxIterations int     `long:"max-iterations" description:"Stop after this many passes (0 = run forever)"`
	Guilds        string  `long:"discord-guilds" description:"Comma-separated guild allow-list"`
	Overrides     string  `long:"discord-overrides" description:"YAML channel override file, hot-reloaded"`
	Chats         string  `long:"telegram-chats" description:"Comma-separated chats to scan, in order"`
	BotUsername   string  `long:"telegram-bot-username" description:"Bot username matched in message text"`
	HTTPAddr      string  `long:"http-addr" description:"HTTP status/stream address (e.g., :8765)"`
	Verbose       bool    `short:"v" long:"verbose" description:"Debug logging"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.Version {
		printVersion()
		os.Exit(0)
	}
	if opts.Platform == "" {
		fmt.Fprintln(os.Stderr, "tracker: --platform is required (discord or telegram)")
		os.Exit(2)
	}
	if opts.Platform == core.PlatformTelegram && opts.Mode == modeContinuous {
		log.Printf("tracker: telegram has no continuous mode; polling instead")
	}
	if opts.Verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if err := config.LoadDotEnv(); err != nil {
		log.Printf("tracker: .env: %v", err)
	}
	cfg := config.Load()
	applyFlagOverrides(parser, opts, &cfg)
	log.Printf("%s", cfg.SummaryJSON())

	if err := run(opts, cfg); err != nil {
		log.Printf("tracker: fatal: %v", err)
		os.Exit(1)
	}
	log.Printf("tracker: shutdown complete")
}

func printVersion() {
	fmt.Printf("tracker version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
}

// applyFlagOverrides copies explicitly set flags over env-derived values.
func applyFlagOverrides(parser *flags.Parser, opts options, cfg *config.Config) {
	set := func(name string) bool {
		o := parser.FindOptionByLongName(name)
		return o != nil && o.IsSet()
	}
	if set("sqlite") {
		cfg.Store.SQLitePath = strings.TrimSpace(opts.SQLite)
	}
	if set("api-base") {
		cfg.API.Base = strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	}
	if set("api-rps") && opts.APIRPS > 0 {
		cfg.API.RPS = opts.APIRPS
	}
	if set("poll-minutes") && opts.PollMinutes > 0 {
		cfg.PollIntervalMinutes = opts.PollMinutes
	}
	if set("max-iterations") && opts.MaxIterations >= 0 {
		cfg.MaxIterations = opts.MaxIterations
	}
	if set("discord-guilds") {
		cfg.Discord.Guilds = splitCSV(opts.Guilds)
	}
	if set("discord-overrides") {
		cfg.Discord.OverridesFile = strings.TrimSpace(opts.Overrides)
	}
	if set("telegram-chats") {
		cfg.Telegram.Chats = splitCSV(opts.Chats)
	}
	if set("telegram-bot-username") {
		cfg.Telegram.BotUsername = strings.TrimSpace(opts.BotUsername)
	}
	if set("http-addr") {
		cfg.HTTP.Addr = strings.TrimSpace(opts.HTTPAddr)
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(opts options, cfg config.Config) error {
	// Signals reach the engine's own handler in poll mode so that an
	// in-flight scan finishes; this context only stops the side services.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := dedup.OpenSQLite(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	// The engine cleans up on its own exit paths; this covers early returns.
	defer func() {
		if err := store.Cleanup(); err != nil {
			log.Printf("tracker: closing store: %v", err)
		}
	}()
	if err := store.Ping(); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateSQLite(ctx, store.RawDB()); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		store.BufferActions(dedup.BufferedOptions{BatchSize: cfg.Batch(), FlushInterval: cfg.FlushInterval()})
	}

	metrics := httpapi.NewMetrics()
	var engineStore tracker.Store = store
	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		api = httpapi.New(store, httpapi.Options{
			Addr:            cfg.HTTP.Addr,
			CORSOrigins:     cfg.HTTP.CORSOrigins,
			RateLimitRPS:    int(cfg.HTTP.RateRPS),
			RateLimitBurst:  cfg.HTTP.RateBurst,
			EnableMetrics:   cfg.HTTP.Metrics,
			EnableAccessLog: cfg.HTTP.AccessLog,
			Build:           buildInfo(),
			ConfigSnapshot:  cfg.Redacted(),
			Metrics:         metrics,
		})
		engineStore = dedup.WithAPI(store, api)
		go func() {
			if err := api.Start(); err != nil {
				log.Printf("tracker: http api: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := api.Shutdown(shutdownCtx); err != nil {
				log.Printf("tracker: http api shutdown: %v", err)
			}
		}()
		log.Printf("tracker: http api ready on %s", cfg.HTTP.Addr)
	}

	submitter := contribapi.New(contribapi.Options{
		BaseURL: cfg.API.Base,
		Timeout: cfg.APITimeout(),
		RPS:     cfg.API.RPS,
		Burst:   cfg.API.Burst,
	})

	runOpts := tracker.RunOptions{
		PollInterval:  cfg.PollIntervalMinutes,
		MaxIterations: cfg.MaxIterations,
	}

	switch opts.Platform {
	case core.PlatformDiscord:
		return runDiscord(ctx, opts.Mode, cfg, engineStore, submitter, metrics, api, runOpts)
	case core.PlatformTelegram:
		return runTelegram(ctx, cfg, engineStore, submitter, metrics, runOpts)
	default:
		return fmt.Errorf("unknown platform %q", opts.Platform)
	}
}

func newEngine(platform string, store tracker.Store, sub tracker.Submitter, metrics *httpapi.Metrics, parser *suggest.Parser) (*tracker.Engine, error) {
	return tracker.New(tracker.Options{
		Platform:  platform,
		Store:     store,
		Submitter: sub,
		Parser:    parser,
		Reporter:  metrics,
		Logger:    slog.Default(),
	})
}

func runDiscord(
	ctx context.Context,
	mode string,
	cfg config.Config,
	store tracker.Store,
	sub tracker.Submitter,
	metrics *httpapi.Metrics,
	api *httpapi.Server,
	runOpts tracker.RunOptions,
) error {
	token, err := cfg.DiscordToken()
	if err != nil {
		return fmt.Errorf("discord token: %w", err)
	}
	if token == "" {
		return errors.New("discord: MENTIONS_DISCORD_TOKEN or MENTIONS_DISCORD_TOKEN_FILE is required")
	}
	gw, err := discordtrack.NewSession(token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	engine, err := newEngine(core.PlatformDiscord, store, sub, metrics, discordtrack.NewParser(gw))
	if err != nil {
		return err
	}

	dcfg := discordtrack.Config{
		Guilds:            cfg.Discord.Guilds,
		AutoDiscover:      cfg.Discord.AutoDiscover,
		ExcludedTypes:     channelTypes(cfg.Discord.ExcludedTypes),
		IncludeChannels:   cfg.Discord.IncludeChannels,
		ExcludeChannels:   cfg.Discord.ExcludeChannels,
		DiscoveryInterval: time.Duration(cfg.Discord.DiscoveryMinutes) * time.Minute,
		HistoryInterval:   time.Duration(cfg.Discord.HistoryMinutes) * time.Minute,
		HistoryLimit:      cfg.Discord.HistoryLimit,
		Cooldown:          time.Duration(cfg.Discord.CooldownSecs) * time.Second,
		BackfillWorkers:   cfg.Discord.BackfillWorkers,
		VerboseDrops:      cfg.Discord.VerboseDrops,
	}
	if path := cfg.Discord.OverridesFile; path != "" {
		if f, err := overrides.Load(path); err != nil {
			log.Printf("tracker: discord overrides %s: %v", path, err)
		} else {
			dcfg.IncludeChannels = append(dcfg.IncludeChannels, f.IncludeChannels...)
			dcfg.ExcludeChannels = append(dcfg.ExcludeChannels, f.ExcludeChannels...)
			if f.ExcludedTypes != nil {
				dcfg.ExcludedTypes = channelTypes(f.ExcludedTypes)
			}
		}
	}
	tr := discordtrack.New(engine, gw, dcfg, metrics)

	if api != nil {
		httpadmin.New(tr).Register(api.Mux())
	}
	if path := cfg.Discord.OverridesFile; path != "" {
		base := cfg.Discord
		err := overrides.Watch(ctx, path, overrides.DefaultDebounce, func(f overrides.File) {
			var types []discordtrack.ChannelType
			if f.ExcludedTypes != nil {
				types = channelTypes(f.ExcludedTypes)
			}
			tr.SetOverrides(
				append(append([]string(nil), base.IncludeChannels...), f.IncludeChannels...),
				append(append([]string(nil), base.ExcludeChannels...), f.ExcludeChannels...),
				types,
			)
			if n, err := tr.Rediscover(ctx); err != nil {
				log.Printf("tracker: rediscover after overrides change: %v", err)
			} else {
				log.Printf("tracker: overrides applied; tracking %d channels", n)
			}
		})
		if err != nil {
			log.Printf("tracker: watch discord overrides: %v", err)
		}
	}

	if mode == modeContinuous {
		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		runErr := tr.RunContinuous(sigCtx)
		if err := engine.Cleanup(); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	}

	if err := tr.Start(ctx, false); err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Printf("tracker: close discord gateway: %v", err)
		}
	}()
	readyCtx, cancelReady := context.WithTimeout(ctx, time.Minute)
	err = tr.WaitReady(readyCtx, 0)
	cancelReady()
	if err != nil {
		return fmt.Errorf("discord: gateway not ready: %w", err)
	}
	return engine.Run(ctx, tr, runOpts)
}

func runTelegram(
	ctx context.Context,
	cfg config.Config,
	store tracker.Store,
	sub tracker.Submitter,
	metrics *httpapi.Metrics,
	runOpts tracker.RunOptions,
) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram: MENTIONS_TELEGRAM_TOKEN is required")
	}
	client := telegramtrack.NewBotAPI(nil, cfg.Telegram.BaseURL, cfg.Telegram.Token, 0)

	botUsername := cfg.Telegram.BotUsername
	if botUsername == "" {
		me, err := client.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("telegram getMe: %w", err)
		}
		botUsername = "@" + me.Username
		log.Printf("tracker: telegram bot username resolved to %s", botUsername)
	}
	if len(cfg.Telegram.Chats) == 0 {
		log.Printf("tracker: telegram: no chats configured; passes will find nothing")
	}

	engine, err := newEngine(core.PlatformTelegram, store, sub, metrics, suggest.New(strings.TrimPrefix(botUsername, "@")))
	if err != nil {
		return err
	}
	tr := telegramtrack.New(engine, client, telegramtrack.Config{
		BotUsername:  botUsername,
		Chats:        cfg.Telegram.Chats,
		ChatDelay:    cfg.ChatDelay(),
		HistoryLimit: cfg.Telegram.HistoryLimit,
	})
	return engine.Run(ctx, tr, runOpts)
}

func channelTypes(names []string) []discordtrack.ChannelType {
	out := make([]discordtrack.ChannelType, 0, len(names))
	for _, n := range names {
		out = append(out, discordtrack.ChannelType(strings.ToLower(n)))
	}
	return out
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}
