package discordtrack

import (
	"sort"
	"sync"
)

// Registry maps guild ids to their tracked channel ids and keeps a flattened
// channel → guild index that is rebuilt after every mutation.
type Registry struct {
	mu     sync.RWMutex
	guilds map[string][]string
	all    map[string]string
}

func NewRegistry() *Registry {
	return &Registry{guilds: make(map[string][]string), all: make(map[string]string)}
}

// Set replaces a guild's channel list wholesale.
func (r *Registry) Set(guildID string, channelIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guilds[guildID] = append([]string(nil), channelIDs...)
	r.rebuildLocked()
}

// RemoveGuild drops a guild and every channel under it.
func (r *Registry) RemoveGuild(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guilds, guildID)
	r.rebuildLocked()
}

// RemoveChannel drops one channel from one guild and reports whether it was present.
func (r *Registry) RemoveChannel(guildID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels, ok := r.guilds[guildID]
	if !ok {
		return false
	}
	for i, id := range channels {
		if id == channelID {
			r.guilds[guildID] = append(channels[:i:i], channels[i+1:]...)
			r.rebuildLocked()
			return true
		}
	}
	return false
}

func (r *Registry) Tracked(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.all[channelID]
	return ok
}

// Channels returns a copy of one guild's list.
func (r *Registry) Channels(guildID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.guilds[guildID]...)
}

// ChannelGuild is one flattened registry entry.
type ChannelGuild struct {
	ChannelID string
	GuildID   string
}

// Pairs lists every tracked channel ordered by guild then registry order.
func (r *Registry) Pairs() []ChannelGuild {
	r.mu.RLock()
	defer r.mu.RUnlock()
	guildIDs := make([]string, 0, len(r.guilds))
	for id := range r.guilds {
		guildIDs = append(guildIDs, id)
	}
	sort.Strings(guildIDs)
	out := make([]ChannelGuild, 0, len(r.all))
	for _, g := range guildIDs {
		for _, c := range r.guilds[g] {
			out = append(out, ChannelGuild{ChannelID: c, GuildID: g})
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

func (r *Registry) rebuildLocked() {
	all := make(map[string]string, len(r.all))
	for g, channels := range r.guilds {
		for _, c := range channels {
			all[c] = g
		}
	}
	r.all = all
}
