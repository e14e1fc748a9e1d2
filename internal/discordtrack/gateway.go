// Package discordtrack tracks bot mentions across Discord guilds from live
// gateway events and periodic history backfill.
package discordtrack

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChannelType is the normalised kind of a guild channel.
type ChannelType string

const (
	ChannelText     ChannelType = "text"
	ChannelVoice    ChannelType = "voice"
	ChannelCategory ChannelType = "category"
	ChannelNews     ChannelType = "news"
	ChannelStage    ChannelType = "stage"
	ChannelForum    ChannelType = "forum"
	ChannelThread   ChannelType = "thread"
	ChannelOther    ChannelType = "other"
)

type Guild struct {
	ID   string
	Name string
}

type Channel struct {
	ID      string
	GuildID string
	Name    string
	Type    ChannelType
}

type User struct {
	ID          string
	Username    string
	DisplayName string
	Bot         bool
}

// MessageRef points at the message a reply answers.
type MessageRef struct {
	GuildID   string
	ChannelID string
	MessageID string
}

type Message struct {
	ID         string
	ChannelID  string
	GuildID    string
	Author     User
	Content    string
	MentionIDs []string
	Reference  *MessageRef
	Timestamp  time.Time
}

// Link returns the message permalink, or "" when the ids are incomplete.
func (m Message) Link() string {
	if m.GuildID == "" || m.ChannelID == "" || m.ID == "" {
		return ""
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", m.GuildID, m.ChannelID, m.ID)
}

// Access is the subset of channel permissions backfill depends on.
type Access struct {
	View    bool
	History bool
}

// Handlers receive gateway events. Any field may be nil.
type Handlers struct {
	Ready      func()
	Message    func(Message)
	GuildJoin  func(Guild)
	GuildLeave func(guildID string)
}

// Gateway is the slice of the Discord API the tracker uses.
type Gateway interface {
	Open(ctx context.Context, h Handlers) error
	Close() error
	Ready() bool
	BotUser() User
	Guilds() []Guild
	Guild(ctx context.Context, guildID string) (Guild, error)
	GuildChannels(ctx context.Context, guildID string) ([]Channel, error)
	Channel(ctx context.Context, channelID string) (Channel, error)
	// BotMember fails with ErrNotMember when the bot's membership cannot be resolved.
	BotMember(ctx context.Context, guildID string) error
	// ChannelAccess fails with ErrPermissionsUnsupported for channels that
	// carry no permission data of their own.
	ChannelAccess(ctx context.Context, ch Channel) (Access, error)
	ChannelMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	Message(ctx context.Context, channelID, messageID string) (Message, error)
}

var (
	ErrForbidden              = errors.New("discord: forbidden")
	ErrNotFound               = errors.New("discord: not found")
	ErrNotMember              = errors.New("discord: bot membership unavailable")
	ErrPermissionsUnsupported = errors.New("discord: channel exposes no permissions")
)

// RateLimitError is returned when Discord answers 429.
type RateLimitError struct {
	// RetryAfter is zero when the response carried no hint.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("discord: rate limited (retry after %s)", e.RetryAfter)
}

// HTTPError covers every other non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("discord: http %d: %s", e.StatusCode, e.Body)
}
