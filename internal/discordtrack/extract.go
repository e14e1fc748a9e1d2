package discordtrack

import (
	"context"
	"strings"

	"github.com/you/mention-tracker/internal/core"
	"github.com/you/mention-tracker/internal/suggest"
)

const previewRunes = 200

// ExtractMentionData builds the contribution record for a mention. A reply
// credits the author of the replied-to message; otherwise the mentioning
// author is credited for their own message.
func (t *Tracker) ExtractMentionData(ctx context.Context, msg Message) core.MentionData {
	self := msg.Link()
	data := core.MentionData{
		Suggester:       msg.Author.ID,
		SuggesterName:   msg.Author.DisplayName,
		Contributor:     msg.Author.ID,
		ContributorName: msg.Author.DisplayName,
		SuggestionURL:   self,
		ContributionURL: self,
		Platform:        core.PlatformDiscord,
		Text:            msg.Content,
		ContentPreview:  core.Preview(strings.TrimSpace(msg.Content), previewRunes),
		Ts:              msg.Timestamp,
	}

	if ref := msg.Reference; ref != nil {
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = msg.ChannelID
		}
		replied, err := t.gw.Message(ctx, channelID, ref.MessageID)
		if err != nil {
			t.logger.Debug("discordtrack: reply target unresolved", "message_id", ref.MessageID, "err", err)
		} else {
			if replied.GuildID == "" {
				replied.GuildID = firstNonEmpty(ref.GuildID, msg.GuildID)
			}
			if replied.ChannelID == "" {
				replied.ChannelID = channelID
			}
			if replied.ID == "" {
				replied.ID = ref.MessageID
			}
			data.Contributor = replied.Author.ID
			data.ContributorName = replied.Author.DisplayName
			if link := replied.Link(); link != "" {
				data.ContributionURL = link
			}
			data.RepliedPreview = core.Preview(strings.TrimSpace(replied.Content), previewRunes)
		}
	}

	if g, err := t.gw.Guild(ctx, msg.GuildID); err == nil {
		data.GuildLabel = g.Name
	}
	if ch, err := t.gw.Channel(ctx, msg.ChannelID); err == nil {
		data.ChannelLabel = ch.Name
	}
	return data
}

// NewParser returns a suggestion parser that strips the connected bot's
// username as well as raw mention markup.
func NewParser(gw Gateway) *suggest.Parser {
	p := suggest.New()
	p.Names = func() []string {
		if name := gw.BotUser().Username; name != "" {
			return []string{name}
		}
		return nil
	}
	return p
}

// mentionsBot reports whether msg references the bot by mention entity,
// raw mention markup or a case-insensitive @username.
func mentionsBot(msg Message, bot User) bool {
	if bot.ID == "" {
		return false
	}
	for _, id := range msg.MentionIDs {
		if id == bot.ID {
			return true
		}
	}
	if strings.Contains(msg.Content, "<@"+bot.ID+">") || strings.Contains(msg.Content, "<@!"+bot.ID+">") {
		return true
	}
	if bot.Username != "" && strings.Contains(strings.ToLower(msg.Content), "@"+strings.ToLower(bot.Username)) {
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
