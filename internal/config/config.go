package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	API                 APIConfig
	Store               StoreConfig
	PollIntervalMinutes int
	MaxIterations       int
	Discord             DiscordConfig
	Telegram            TelegramConfig
	HTTP                HTTPConfig
}

type APIConfig struct {
	Base        string
	TimeoutSecs int
	RPS         float64
	Burst       int
}

type StoreConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type DiscordConfig struct {
	Token            string
	TokenFile        string
	Guilds           []string
	AutoDiscover     bool
	ExcludedTypes    []string
	IncludeChannels  []string
	ExcludeChannels  []string
	OverridesFile    string
	DiscoveryMinutes int
	HistoryMinutes   int
	HistoryLimit     int
	CooldownSecs     int
	BackfillWorkers  int
	VerboseDrops     bool
}

type TelegramConfig struct {
	Token        string
	BaseURL      string
	BotUsername  string
	Chats        []string
	ChatDelayMS  int
	HistoryLimit int
}

type HTTPConfig struct {
	Addr        string
	RateRPS     float64
	RateBurst   int
	Metrics     bool
	AccessLog   bool
	CORSOrigins []string
}

const (
	defaultAPIBase          = "http://localhost:8000/api"
	defaultAPITimeoutSecs   = 30
	defaultAPIRPS           = 5
	defaultAPIBurst         = 5
	defaultPollMinutes      = 5
	defaultSQLitePath       = "mentions.db"
	defaultBatchSize        = 1
	defaultFlushMS          = 0
	defaultDiscoveryMinutes = 30
	defaultHistoryMinutes   = 10
	defaultHistoryLimit     = 50
	defaultCooldownSecs     = 60
	defaultBackfillWorkers  = 1
	defaultTelegramBaseURL  = "https://api.telegram.org"
	defaultChatDelayMS      = 1000
	defaultTelegramHistory  = 100
	defaultHTTPRateRPS      = 20
	defaultHTTPRateBurst    = 40
)

var defaultExcludedTypes = []string{"voice", "category", "stage"}

// LoadDotEnv reads MENTIONS_ENV_FILE (or ./.env) into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("MENTIONS_ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func Load() Config {
	cfg := Config{}

	cfg.API.Base = strings.TrimRight(readString("MENTIONS_API_BASE", defaultAPIBase), "/")
	cfg.API.TimeoutSecs = readInt("MENTIONS_API_TIMEOUT_SECS", defaultAPITimeoutSecs)
	cfg.API.RPS = readFloat("MENTIONS_API_RPS", defaultAPIRPS)
	cfg.API.Burst = readInt("MENTIONS_API_BURST", defaultAPIBurst)

	cfg.PollIntervalMinutes = readInt("MENTIONS_POLL_INTERVAL_MINUTES", defaultPollMinutes)
	cfg.MaxIterations = readInt("MENTIONS_MAX_ITERATIONS", 0)

	cfg.Store.SQLitePath = readString("MENTIONS_SQLITE_PATH", defaultSQLitePath)
	cfg.Store.BatchSize = readInt("MENTIONS_ACTIONS_BATCH_SIZE", defaultBatchSize)
	cfg.Store.FlushMaxMS = readInt("MENTIONS_ACTIONS_FLUSH_MS", defaultFlushMS)

	cfg.Discord.Token = strings.TrimSpace(os.Getenv("MENTIONS_DISCORD_TOKEN"))
	cfg.Discord.TokenFile = strings.TrimSpace(os.Getenv("MENTIONS_DISCORD_TOKEN_FILE"))
	cfg.Discord.Guilds = splitList(os.Getenv("MENTIONS_DISCORD_GUILDS"))
	cfg.Discord.AutoDiscover = readBool("MENTIONS_DISCORD_AUTO_DISCOVER", true)
	cfg.Discord.ExcludedTypes = append([]string(nil), defaultExcludedTypes...)
	if envExists("MENTIONS_DISCORD_EXCLUDED_TYPES") {
		cfg.Discord.ExcludedTypes = lower(splitList(os.Getenv("MENTIONS_DISCORD_EXCLUDED_TYPES")))
	}
	cfg.Discord.IncludeChannels = splitList(os.Getenv("MENTIONS_DISCORD_INCLUDE_CHANNELS"))
	cfg.Discord.ExcludeChannels = splitList(os.Getenv("MENTIONS_DISCORD_EXCLUDE_CHANNELS"))
	cfg.Discord.OverridesFile = strings.TrimSpace(os.Getenv("MENTIONS_DISCORD_OVERRIDES_FILE"))
	cfg.Discord.DiscoveryMinutes = readInt("MENTIONS_DISCORD_DISCOVERY_MINUTES", defaultDiscoveryMinutes)
	cfg.Discord.HistoryMinutes = readInt("MENTIONS_DISCORD_HISTORY_MINUTES", defaultHistoryMinutes)
	cfg.Discord.HistoryLimit = readInt("MENTIONS_DISCORD_HISTORY_LIMIT", defaultHistoryLimit)
	cfg.Discord.CooldownSecs = readInt("MENTIONS_DISCORD_COOLDOWN_SECS", defaultCooldownSecs)
	cfg.Discord.BackfillWorkers = readInt("MENTIONS_DISCORD_BACKFILL_WORKERS", defaultBackfillWorkers)
	cfg.Discord.VerboseDrops = readBool("MENTIONS_DISCORD_VERBOSE_DROPS", false)

	cfg.Telegram.Token = strings.TrimSpace(os.Getenv("MENTIONS_TELEGRAM_TOKEN"))
	cfg.Telegram.BaseURL = readString("MENTIONS_TELEGRAM_BASE_URL", defaultTelegramBaseURL)
	cfg.Telegram.BotUsername = strings.TrimSpace(os.Getenv("MENTIONS_TELEGRAM_BOT_USERNAME"))
	cfg.Telegram.Chats = splitOrdered(os.Getenv("MENTIONS_TELEGRAM_CHATS"))
	cfg.Telegram.ChatDelayMS = readInt("MENTIONS_TELEGRAM_CHAT_DELAY_MS", defaultChatDelayMS)
	if v, ok := os.LookupEnv("MENTIONS_TELEGRAM_CHAT_DELAY_MS"); ok && strings.TrimSpace(v) == "0" {
		cfg.Telegram.ChatDelayMS = 0
	}
	cfg.Telegram.HistoryLimit = readInt("MENTIONS_TELEGRAM_HISTORY_LIMIT", defaultTelegramHistory)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("MENTIONS_HTTP_ADDR"))
	cfg.HTTP.RateRPS = readFloat("MENTIONS_HTTP_RATE_RPS", defaultHTTPRateRPS)
	cfg.HTTP.RateBurst = readInt("MENTIONS_HTTP_RATE_BURST", defaultHTTPRateBurst)
	cfg.HTTP.Metrics = readBool("MENTIONS_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("MENTIONS_HTTP_ACCESS_LOG", false)
	cfg.HTTP.CORSOrigins = splitOrdered(os.Getenv("MENTIONS_HTTP_CORS_ORIGINS"))

	return cfg
}

// DiscordToken returns the inline token, or the trimmed contents of the
// token file when no inline token is set.
func (c Config) DiscordToken() (string, error) {
	if c.Discord.Token != "" {
		return c.Discord.Token, nil
	}
	if c.Discord.TokenFile == "" {
		return "", nil
	}
	raw, err := os.ReadFile(c.Discord.TokenFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func readString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func splitList(raw string) []string {
	out := splitOrdered(raw)
	if out == nil {
		return nil
	}
	return dedupe(out)
}

// splitOrdered keeps first-seen order; tracked chats are scanned in the
// order they were configured.
func splitOrdered(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func lower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToLower(v))
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envExists(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSecs) * time.Second
}

func (c Config) FlushInterval() time.Duration {
	if c.Store.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Store.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Store.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Store.BatchSize
}

func (c Config) ChatDelay() time.Duration {
	return time.Duration(c.Telegram.ChatDelayMS) * time.Millisecond
}

func (c Config) Summary() Summary {
	return Summary{
		APIBase:     c.API.Base,
		SQLitePath:  c.Store.SQLitePath,
		BatchSize:   c.Store.BatchSize,
		FlushMaxMS:  c.Store.FlushMaxMS,
		PollMinutes: c.PollIntervalMinutes,
		HTTPAddr:    c.HTTP.Addr,
		Discord: DiscordSummary{
			Enabled:      c.Discord.Token != "" || c.Discord.TokenFile != "",
			Token:        redactString(c.Discord.Token),
			Guilds:       len(c.Discord.Guilds),
			AutoDiscover: c.Discord.AutoDiscover,
			Included:     len(c.Discord.IncludeChannels),
			Excluded:     len(c.Discord.ExcludeChannels),
		},
		Telegram: TelegramSummary{
			Enabled:     c.Telegram.Token != "",
			Token:       redactString(c.Telegram.Token),
			BotUsername: c.Telegram.BotUsername,
			Chats:       len(c.Telegram.Chats),
		},
	}
}

type Summary struct {
	APIBase     string          `json:"api_base"`
	SQLitePath  string          `json:"sqlite_path"`
	BatchSize   int             `json:"batch"`
	FlushMaxMS  int             `json:"flush_ms"`
	PollMinutes int             `json:"poll_minutes"`
	HTTPAddr    string          `json:"http_addr,omitempty"`
	Discord     DiscordSummary  `json:"discord"`
	Telegram    TelegramSummary `json:"telegram"`
}

type DiscordSummary struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token,omitempty"`
	Guilds       int    `json:"guilds"`
	AutoDiscover bool   `json:"auto_discover"`
	Included     int    `json:"included"`
	Excluded     int    `json:"excluded"`
}

type TelegramSummary struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	BotUsername string `json:"bot_username,omitempty"`
	Chats       int    `json:"chats"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"api": map[string]any{
			"base":         c.API.Base,
			"timeout_secs": c.API.TimeoutSecs,
			"rps":          c.API.RPS,
			"burst":        c.API.Burst,
		},
		"store": map[string]any{
			"sqlite_path": c.Store.SQLitePath,
			"batch_size":  c.Store.BatchSize,
			"flush_ms":    c.Store.FlushMaxMS,
		},
		"poll_interval_minutes": c.PollIntervalMinutes,
		"max_iterations":        c.MaxIterations,
		"discord": map[string]any{
			"token":             redactString(c.Discord.Token),
			"token_file":        c.Discord.TokenFile,
			"guilds":            append([]string(nil), c.Discord.Guilds...),
			"auto_discover":     c.Discord.AutoDiscover,
			"excluded_types":    append([]string(nil), c.Discord.ExcludedTypes...),
			"include_channels":  append([]string(nil), c.Discord.IncludeChannels...),
			"exclude_channels":  append([]string(nil), c.Discord.ExcludeChannels...),
			"overrides_file":    c.Discord.OverridesFile,
			"discovery_minutes": c.Discord.DiscoveryMinutes,
			"history_minutes":   c.Discord.HistoryMinutes,
			"history_limit":     c.Discord.HistoryLimit,
			"cooldown_secs":     c.Discord.CooldownSecs,
			"backfill_workers":  c.Discord.BackfillWorkers,
		},
		"telegram": map[string]any{
			"token":         redactString(c.Telegram.Token),
			"base_url":      c.Telegram.BaseURL,
			"bot_username":  c.Telegram.BotUsername,
			"chats":         append([]string(nil), c.Telegram.Chats...),
			"chat_delay_ms": c.Telegram.ChatDelayMS,
			"history_limit": c.Telegram.HistoryLimit,
		},
		"http": map[string]any{
			"addr":       c.HTTP.Addr,
			"rate_rps":   c.HTTP.RateRPS,
			"rate_burst": c.HTTP.RateBurst,
			"metrics":    c.HTTP.Metrics,
			"access_log": c.HTTP.AccessLog,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
