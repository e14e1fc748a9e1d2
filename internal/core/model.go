package core

import (
	"fmt"
	"time"
)

const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
)

// PlatformPrefixes maps a platform key to the prefix prepended to contributor
// handles when building the backend username.
var PlatformPrefixes = map[string]string{
	PlatformDiscord:  "discord:",
	PlatformTelegram: "telegram:",
}

var platformNames = map[string]string{
	PlatformDiscord:  "Discord",
	PlatformTelegram: "Telegram",
}

// DisplayName returns the human facing platform name sent to the backend.
func DisplayName(platform string) string {
	if name, ok := platformNames[platform]; ok {
		return name
	}
	return platform
}

// MentionData is the platform-neutral record an adapter extracts from a
// message that mentions the bot.
type MentionData struct {
	Suggester       string    `json:"suggester"`
	SuggesterName   string    `json:"suggester_name,omitempty"`
	Contributor     string    `json:"contributor"`
	ContributorName string    `json:"contributor_name,omitempty"`
	SuggestionURL   string    `json:"suggestion_url"`
	ContributionURL string    `json:"contribution_url"`
	Platform        string    `json:"platform"`
	GuildLabel      string    `json:"guild,omitempty"` // guild name or chat title
	ChannelLabel    string    `json:"channel,omitempty"`
	Text            string    `json:"-"`
	ContentPreview  string    `json:"content_preview"`
	RepliedPreview  string    `json:"replied_preview,omitempty"`
	Ts              time.Time `json:"ts"`
}

// Parsed holds the fields a suggestion parser derives from the message text.
type Parsed struct {
	Type    string `json:"type"`
	Level   int    `json:"level"`
	Title   string `json:"title,omitempty"`
	Comment string `json:"comment"`
}

// Contribution is the payload posted to the rewards backend.
type Contribution struct {
	Type     string `json:"type"`
	Level    int    `json:"level"`
	Username string `json:"username"`
	Comment  string `json:"comment"`
	URL      string `json:"url"`
	Platform string `json:"platform"`

	Title           string `json:"-"`
	Suggester       string `json:"-"`
	SuggestionURL   string `json:"-"`
	GuildLabel      string `json:"-"`
	ContentPreview  string `json:"-"`
	ContributorName string `json:"-"`
}

// ProcessedItem is one row of the dedup store.
type ProcessedItem struct {
	ItemID      string
	Platform    string
	PayloadJSON string
	ProcessedAt time.Time
}

// Action is one audit entry recorded by the dedup store.
type Action struct {
	ID          int64
	Platform    string
	Action      string
	DetailsJSON string
	CreatedAt   time.Time
}

// DiscordItemID composes the dedup key for a Discord message.
func DiscordItemID(guildID, channelID, messageID string) string {
	return fmt.Sprintf("%s_%s_%s_%s", PlatformDiscord, guildID, channelID, messageID)
}

// TelegramItemID composes the dedup key for a Telegram message.
func TelegramItemID(chatID, messageID int64) string {
	return fmt.Sprintf("%s_%d_%d", PlatformTelegram, chatID, messageID)
}

// Preview truncates text to at most max runes.
func Preview(text string, max int) string {
	r := []rune(text)
	if max <= 0 || len(r) <= max {
		return text
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
