package discordtrack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

// SessionGateway implements Gateway on a discordgo session. Rate limits are
// surfaced as *RateLimitError instead of being retried inside discordgo.
type SessionGateway struct {
	s     *discordgo.Session
	ready atomic.Bool

	mu       sync.Mutex
	known    map[string]struct{}
	removers []func()
}

func NewSession(token string) (*SessionGateway, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bot "))
	if token == "" {
		return nil, errors.New("discordtrack: empty bot token")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discordtrack: create session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	return &SessionGateway{s: s, known: make(map[string]struct{})}, nil
}

func (g *SessionGateway) Open(_ context.Context, h Handlers) error {
	g.mu.Lock()
	g.removers = append(g.removers,
		g.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			g.mu.Lock()
			for _, guild := range r.Guilds {
				g.known[guild.ID] = struct{}{}
			}
			g.mu.Unlock()
			g.ready.Store(true)
			if h.Ready != nil {
				h.Ready()
			}
		}),
		g.s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			g.ready.Store(true)
		}),
		g.s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			g.ready.Store(false)
		}),
		g.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if h.Message != nil && m.Message != nil {
				h.Message(convertMessage(m.Message))
			}
		}),
		g.s.AddHandler(func(_ *discordgo.Session, gc *discordgo.GuildCreate) {
			if gc.Guild == nil {
				return
			}
			g.mu.Lock()
			_, seen := g.known[gc.ID]
			g.known[gc.ID] = struct{}{}
			g.mu.Unlock()
			// Guilds listed in READY arrive as GuildCreate too; only new ones are joins.
			if !seen && h.GuildJoin != nil {
				h.GuildJoin(Guild{ID: gc.ID, Name: gc.Name})
			}
		}),
		g.s.AddHandler(func(_ *discordgo.Session, gd *discordgo.GuildDelete) {
			if gd.Guild == nil || gd.Unavailable {
				return
			}
			g.mu.Lock()
			delete(g.known, gd.ID)
			g.mu.Unlock()
			if h.GuildLeave != nil {
				h.GuildLeave(gd.ID)
			}
		}),
	)
	g.mu.Unlock()

	if err := g.s.Open(); err != nil {
		return fmt.Errorf("discordtrack: open gateway: %w", err)
	}
	return nil
}

func (g *SessionGateway) Close() error {
	g.ready.Store(false)
	g.mu.Lock()
	for _, remove := range g.removers {
		remove()
	}
	g.removers = nil
	g.mu.Unlock()
	return g.s.Close()
}

func (g *SessionGateway) Ready() bool { return g.ready.Load() }

func (g *SessionGateway) BotUser() User {
	if g.s.State == nil || g.s.State.User == nil {
		return User{}
	}
	return convertUser(g.s.State.User, nil)
}

func (g *SessionGateway) Guilds() []Guild {
	if g.s.State == nil {
		return nil
	}
	g.s.State.RLock()
	defer g.s.State.RUnlock()
	out := make([]Guild, 0, len(g.s.State.Guilds))
	for _, guild := range g.s.State.Guilds {
		out = append(out, Guild{ID: guild.ID, Name: guild.Name})
	}
	return out
}

func (g *SessionGateway) Guild(ctx context.Context, guildID string) (Guild, error) {
	if g.s.State != nil {
		if guild, err := g.s.State.Guild(guildID); err == nil {
			return Guild{ID: guild.ID, Name: guild.Name}, nil
		}
	}
	guild, err := g.s.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return Guild{}, mapError(err)
	}
	return Guild{ID: guild.ID, Name: guild.Name}, nil
}

func (g *SessionGateway) GuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	channels, err := g.s.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, convertChannel(ch))
	}
	return out, nil
}

func (g *SessionGateway) Channel(ctx context.Context, channelID string) (Channel, error) {
	if g.s.State != nil {
		if ch, err := g.s.State.Channel(channelID); err == nil {
			return convertChannel(ch), nil
		}
	}
	ch, err := g.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return Channel{}, mapError(err)
	}
	return convertChannel(ch), nil
}

func (g *SessionGateway) BotMember(ctx context.Context, guildID string) error {
	bot := g.BotUser()
	if bot.ID == "" {
		return ErrNotMember
	}
	if g.s.State != nil {
		if _, err := g.s.State.Member(guildID, bot.ID); err == nil {
			return nil
		}
	}
	if _, err := g.s.GuildMember(guildID, bot.ID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotMember, mapError(err))
	}
	return nil
}

func (g *SessionGateway) ChannelAccess(ctx context.Context, ch Channel) (Access, error) {
	// Threads inherit from their parent and carry no overwrites of their own.
	if ch.Type == ChannelThread {
		return Access{}, ErrPermissionsUnsupported
	}
	bot := g.BotUser()
	perms, err := g.s.UserChannelPermissions(bot.ID, ch.ID, discordgo.WithContext(ctx))
	if err != nil {
		return Access{}, mapError(err)
	}
	return Access{
		View:    perms&discordgo.PermissionViewChannel != 0,
		History: perms&discordgo.PermissionReadMessageHistory != 0,
	}, nil
}

func (g *SessionGateway) ChannelMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	msgs, err := g.s.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, convertMessage(m))
	}
	return out, nil
}

func (g *SessionGateway) Message(ctx context.Context, channelID, messageID string) (Message, error) {
	m, err := g.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, mapError(err)
	}
	return convertMessage(m), nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		out := &RateLimitError{}
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			out.RetryAfter = rl.RetryAfter
		}
		return out
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		body := strings.TrimSpace(string(rest.ResponseBody))
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, body)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, body)
		case http.StatusTooManyRequests:
			return &RateLimitError{}
		default:
			return &HTTPError{StatusCode: rest.Response.StatusCode, Body: body}
		}
	}
	return err
}

func convertChannel(ch *discordgo.Channel) Channel {
	if ch == nil {
		return Channel{}
	}
	return Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name, Type: channelType(ch.Type)}
}

func channelType(t discordgo.ChannelType) ChannelType {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return ChannelText
	case discordgo.ChannelTypeGuildVoice:
		return ChannelVoice
	case discordgo.ChannelTypeGuildCategory:
		return ChannelCategory
	case discordgo.ChannelTypeGuildNews:
		return ChannelNews
	case discordgo.ChannelTypeGuildStageVoice:
		return ChannelStage
	case discordgo.ChannelTypeGuildForum:
		return ChannelForum
	case discordgo.ChannelTypeGuildNewsThread, discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread:
		return ChannelThread
	default:
		return ChannelOther
	}
}

func convertUser(u *discordgo.User, member *discordgo.Member) User {
	if u == nil {
		return User{}
	}
	out := User{ID: u.ID, Username: u.Username, DisplayName: u.GlobalName, Bot: u.Bot}
	if member != nil && member.Nick != "" {
		out.DisplayName = member.Nick
	}
	if out.DisplayName == "" {
		out.DisplayName = u.Username
	}
	return out
}

func convertMessage(m *discordgo.Message) Message {
	out := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Author:    convertUser(m.Author, m.Member),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	for _, u := range m.Mentions {
		if u != nil {
			out.MentionIDs = append(out.MentionIDs, u.ID)
		}
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		out.Reference = &MessageRef{GuildID: ref.GuildID, ChannelID: ref.ChannelID, MessageID: ref.MessageID}
	}
	return out
}
