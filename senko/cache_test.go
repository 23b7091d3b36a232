package senko

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAddRemoveWords(t *testing.T) {
	t.Parallel()

	u := NewUser("123", []string{"Cat", "dog", " "})
	assert.Equal(t, []string{"cat", "dog"}, u.Words())

	assert.Equal(t, 3, u.AddWords([]string{"bird", "CAT"}))
	assert.Equal(t, []string{"bird", "cat", "dog"}, u.Words())

	assert.Equal(t, 2, u.RemoveWords([]string{"cat"}))
	assert.Equal(t, 2, u.RemoveWords([]string{"not-there"}))
	assert.Equal(t, []string{"bird", "dog"}, u.Words())
}

func TestCacheSharedUserAcrossGuilds(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(0, nil)
	cache.PopulateGuild(
		"guild-a",
		[]KeywordRow{{UserID: "user-1", Word: "cat"}},
	)
	cache.PopulateGuild(
		"guild-b",
		[]KeywordRow{{UserID: "user-1", Word: "cat"}},
	)

	// a mutation through any guild's view must be visible through all
	assert.Equal(t, 2, cache.AddWords("user-1", []string{"dog"}))

	for _, guildID := range []string{"guild-a", "guild-b"} {
		words := cache.GuildWords(guildID)
		require.NotNil(t, words)
		assert.Equal(t, []string{"cat", "dog"}, words["user-1"])
	}

	userA := cache.guilds["guild-a"].User("user-1")
	userB := cache.guilds["guild-b"].User("user-1")
	assert.Same(t, userA, userB)
}

func TestCacheUncachedUserMutations(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(0, nil)
	assert.Equal(t, -1, cache.AddWords("nobody", []string{"cat"}))
	assert.Equal(t, -1, cache.RemoveWords("nobody", []string{"cat"}))

	_, ok := cache.UserWords("nobody")
	assert.False(t, ok)
	assert.False(t, cache.HasUser("nobody"))
}

func TestCacheGuildWordsMiss(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(0, nil)
	assert.Nil(t, cache.GuildWords("missing"))
	assert.False(t, cache.HasGuild("missing"))
}

func TestCachePopulateReplacesGuild(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(0, nil)
	cache.PopulateGuild(
		"guild-a",
		[]KeywordRow{{UserID: "user-1", Word: "cat"}},
	)
	cache.PopulateGuild(
		"guild-a",
		[]KeywordRow{{UserID: "user-2", Word: "dog"}},
	)

	words := cache.GuildWords("guild-a")
	require.NotNil(t, words)
	assert.NotContains(t, words, "user-1")
	assert.Equal(t, []string{"dog"}, words["user-2"])
}

func TestCacheLeastUsedEviction(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(2, nil)
	cache.PopulateGuild("guild-a", []KeywordRow{{UserID: "u", Word: "a"}})
	cache.PopulateGuild("guild-b", []KeywordRow{{UserID: "u", Word: "b"}})

	// drive usage so guild-b is the cold entry
	cache.GuildWords("guild-a")
	cache.GuildWords("guild-a")

	cache.PopulateGuild("guild-c", []KeywordRow{{UserID: "u", Word: "c"}})

	assert.True(t, cache.HasGuild("guild-a"))
	assert.False(t, cache.HasGuild("guild-b"))
	assert.True(t, cache.HasGuild("guild-c"))
}

func TestCacheRepopulateExistingGuildNoEviction(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(2, nil)
	cache.PopulateGuild("guild-a", []KeywordRow{{UserID: "u", Word: "a"}})
	cache.PopulateGuild("guild-b", []KeywordRow{{UserID: "u", Word: "b"}})

	// refreshing a guild already cached must not evict anything
	cache.PopulateGuild("guild-a", []KeywordRow{{UserID: "u", Word: "x"}})

	assert.True(t, cache.HasGuild("guild-a"))
	assert.True(t, cache.HasGuild("guild-b"))
}

func TestCacheAddUserToGuilds(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(0, nil)
	cache.PopulateGuild("guild-a", nil)

	// guild-b isn't cached; only guild-a picks the user up
	cache.AddUserToGuilds([]string{"guild-a", "guild-b"}, "user-1", []string{"cat"})

	assert.True(t, cache.HasUser("user-1"))
	assert.False(t, cache.HasGuild("guild-b"))

	words, ok := cache.UserWords("user-1")
	require.True(t, ok)
	assert.Equal(t, []string{"cat"}, words)
}

func TestCacheGuildMemberLinks(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(0, nil)
	cache.PopulateGuild(
		"guild-a",
		[]KeywordRow{{UserID: "user-1", Word: "cat"}},
	)
	cache.PopulateGuild("guild-b", nil)

	cache.AddGuildMember("guild-b", "user-1")
	assert.Same(
		t,
		cache.guilds["guild-a"].User("user-1"),
		cache.guilds["guild-b"].User("user-1"),
	)

	cache.RemoveGuildMember("guild-b", "user-1")
	assert.Nil(t, cache.guilds["guild-b"].User("user-1"))
	assert.True(t, cache.HasUser("user-1"))
}

func TestCacheDeleteUser(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(0, nil)
	cache.PopulateGuild(
		"guild-a",
		[]KeywordRow{
			{UserID: "user-1", Word: "cat"},
			{UserID: "user-2", Word: "dog"},
		},
	)
	cache.PopulateGuild(
		"guild-b",
		[]KeywordRow{{UserID: "user-1", Word: "cat"}},
	)

	cache.DeleteUser("user-1")

	assert.False(t, cache.HasUser("user-1"))
	assert.True(t, cache.HasUser("user-2"))
}

func TestCacheStats(t *testing.T) {
	t.Parallel()

	cache := NewKeywordCache(5, nil)
	cache.PopulateGuild(
		"guild-b",
		[]KeywordRow{{UserID: "user-1", Word: "cat"}},
	)
	cache.PopulateGuild("guild-a", nil)
	cache.GuildWords("guild-b")

	stats := cache.Stats()
	assert.Equal(t, 5, stats.Capacity)
	require.Len(t, stats.Guilds, 2)
	assert.Equal(
		t,
		GuildStats{GuildID: "guild-a", Users: 0, Usage: 0},
		stats.Guilds[0],
	)
	assert.Equal(
		t,
		GuildStats{GuildID: "guild-b", Users: 1, Usage: 1},
		stats.Guilds[1],
	)
}
