package discordtrack

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackabilityTruthTable(t *testing.T) {
	ctx := context.Background()
	for _, include := range []bool{false, true} {
		for _, exclude := range []bool{false, true} {
			for _, typeExcluded := range []bool{false, true} {
				for _, granted := range []bool{false, true} {
					name := fmt.Sprintf("include=%v/exclude=%v/type=%v/perm=%v", include, exclude, typeExcluded, granted)
					t.Run(name, func(t *testing.T) {
						h := newHarness(t, Config{AutoDiscover: true})
						ch := Channel{ID: "c1", GuildID: "g1", Type: ChannelText}
						if typeExcluded {
							ch.Type = ChannelVoice
						}
						h.gw.addChannel(ch, Access{View: granted, History: granted})

						var inc, exc []string
						if include {
							inc = []string{"c1"}
						}
						if exclude {
							exc = []string{"c1"}
						}
						h.tr.SetOverrides(inc, exc, nil)

						want := include || (!typeExcluded && !exclude && granted)
						assert.Equal(t, want, h.tr.IsChannelTrackable(ctx, ch, "g1"))
					})
				}
			}
		}
	}
}

func TestTrackabilityPermissionEdges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AutoDiscover: true})
	ch := Channel{ID: "c1", GuildID: "g1", Type: ChannelText}

	h.gw.addChannel(ch, Access{View: true, History: false})
	assert.False(t, h.tr.IsChannelTrackable(ctx, ch, "g1"), "history permission missing")

	h.gw.access["c1"] = Access{View: true, History: true}
	h.gw.memberErr["g1"] = ErrNotMember
	assert.False(t, h.tr.IsChannelTrackable(ctx, ch, "g1"), "membership unavailable")

	delete(h.gw.memberErr, "g1")
	h.gw.accessErr["c1"] = errors.New("boom")
	assert.False(t, h.tr.IsChannelTrackable(ctx, ch, "g1"), "permission error fails closed")

	h.gw.accessErr["c1"] = ErrPermissionsUnsupported
	assert.True(t, h.tr.IsChannelTrackable(ctx, ch, "g1"), "no permission capability")

	h.gw.memberErr["g1"] = ErrNotMember
	h.tr.SetOverrides([]string{"c1"}, nil, nil)
	assert.True(t, h.tr.IsChannelTrackable(ctx, ch, "g1"), "manual include wins")
}

func TestDiscoverChannels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AutoDiscover: true})
	h.gw.guilds = []Guild{{ID: "g1", Name: "Guild One"}, {ID: "g2", Name: "Guild Two"}}
	h.gw.addChannel(Channel{ID: "text", GuildID: "g1", Type: ChannelText}, Access{View: true, History: true})
	h.gw.addChannel(Channel{ID: "voice", GuildID: "g1", Type: ChannelVoice}, Access{View: true, History: true})
	h.gw.addChannel(Channel{ID: "hidden", GuildID: "g1", Type: ChannelText}, Access{})
	h.gw.addChannel(Channel{ID: "other", GuildID: "g2", Type: ChannelNews}, Access{View: true, History: true})

	n := h.tr.DiscoverChannels(ctx)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"text"}, h.tr.Registry().Channels("g1"))
	assert.Equal(t, []string{"other"}, h.tr.Registry().Channels("g2"))
	assert.Equal(t, 2, h.metrics.tracked)
}

func TestDiscoverRespectsGuildAllowList(t *testing.T) {
	h := newHarness(t, Config{AutoDiscover: true, Guilds: []string{"g2"}})
	h.gw.guilds = []Guild{{ID: "g1"}, {ID: "g2"}}
	h.gw.addChannel(Channel{ID: "a", GuildID: "g1", Type: ChannelText}, Access{View: true, History: true})
	h.gw.addChannel(Channel{ID: "b", GuildID: "g2", Type: ChannelText}, Access{View: true, History: true})

	h.tr.DiscoverChannels(context.Background())
	assert.False(t, h.tr.Registry().Tracked("a"))
	assert.True(t, h.tr.Registry().Tracked("b"))
}

func TestDiscoverWithoutAutoDiscoverUsesIncludes(t *testing.T) {
	h := newHarness(t, Config{AutoDiscover: false, IncludeChannels: []string{"b"}})
	h.gw.guilds = []Guild{{ID: "g1"}}
	h.gw.addChannel(Channel{ID: "a", GuildID: "g1", Type: ChannelText}, Access{View: true, History: true})
	h.gw.addChannel(Channel{ID: "b", GuildID: "g1", Type: ChannelText}, Access{})

	h.tr.DiscoverChannels(context.Background())
	assert.Equal(t, []string{"b"}, h.tr.Registry().Channels("g1"))
}

func TestGuildJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AutoDiscover: true})
	h.gw.addChannel(Channel{ID: "a", GuildID: "g1", Type: ChannelText}, Access{View: true, History: true})
	h.gw.addChannel(Channel{ID: "b", GuildID: "g2", Type: ChannelText}, Access{View: true, History: true})

	h.tr.OnGuildJoin(ctx, Guild{ID: "g1"})
	h.tr.OnGuildJoin(ctx, Guild{ID: "g2"})
	require.Equal(t, 2, h.tr.Registry().Len())

	h.tr.OnGuildLeave("g1")
	assert.False(t, h.tr.Registry().Tracked("a"))
	assert.True(t, h.tr.Registry().Tracked("b"))
	assert.Equal(t, 1, h.metrics.tracked)
}

func TestRegistryRemoveChannelKeepsSiblings(t *testing.T) {
	r := NewRegistry()
	r.Set("g1", []string{"a", "b", "c"})
	r.Set("g2", []string{"d"})

	assert.True(t, r.RemoveChannel("g1", "b"))
	assert.False(t, r.RemoveChannel("g1", "b"))
	assert.Equal(t, []string{"a", "c"}, r.Channels("g1"))
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []ChannelGuild{{"a", "g1"}, {"c", "g1"}, {"d", "g2"}}, r.Pairs())
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	assert.True(t, s.Has("c"))
	assert.Equal(t, 2, s.Len())
}
