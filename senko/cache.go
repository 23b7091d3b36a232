package senko

import (
	"log/slog"
	"sort"
	"strings"
)

// User holds one keyword owner's word set. A single *User is shared by
// reference across every cached guild the user belongs to, so a word
// mutation through any guild's view is visible through all of them.
type User struct {
	ID    string
	words map[string]struct{}
}

func NewUser(id string, words []string) *User {
	u := &User{ID: id, words: make(map[string]struct{}, len(words))}
	u.AddWords(words)
	return u
}

// Words returns the user's current keywords, sorted for stable output.
func (u *User) Words() []string {
	words := make([]string, 0, len(u.words))
	for w := range u.words {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}

// AddWords unions the given words into the set and returns the new
// cardinality. Words are lowercased; empty strings are never stored.
func (u *User) AddWords(words []string) int {
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		u.words[w] = struct{}{}
	}
	return len(u.words)
}

// RemoveWords removes the given words from the set and returns the new
// cardinality. Removing absent words is a no-op.
func (u *User) RemoveWords(words []string) int {
	for _, w := range words {
		delete(u.words, strings.ToLower(strings.TrimSpace(w)))
	}
	return len(u.words)
}

func (u *User) Len() int {
	return len(u.words)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.Int("words", len(u.words)),
	)
}

// Guild is one cached guild's index of keyword owners. The usage counter
// increments on every message-matching read and feeds the cache's
// least-used eviction.
type Guild struct {
	ID    string
	users map[string]*User
	usage uint64
}

func NewGuild(id string) *Guild {
	return &Guild{ID: id, users: map[string]*User{}}
}

func (g *Guild) User(userID string) *User {
	return g.users[userID]
}

// Users returns all users in the guild. Iteration order is unspecified.
func (g *Guild) Users() []*User {
	users := make([]*User, 0, len(g.users))
	for _, u := range g.users {
		users = append(users, u)
	}
	return users
}

func (g *Guild) AddUser(u *User) {
	g.users[u.ID] = u
}

func (g *Guild) RemoveUser(userID string) {
	delete(g.users, userID)
}

func (g *Guild) Len() int {
	return len(g.users)
}

// KeywordCache is a bounded collection of guild indexes, lazily populated
// from the relational store and kept coherent by NotificationStore.
// It is not safe for concurrent use; all access happens on the bot's
// single event goroutine.
type KeywordCache struct {
	guilds   map[string]*Guild
	capacity int
	logger   *slog.Logger
}

func NewKeywordCache(capacity int, log *slog.Logger) *KeywordCache {
	if log == nil {
		log = slog.Default()
	}
	return &KeywordCache{
		guilds:   map[string]*Guild{},
		capacity: capacity,
		logger:   log.With(loggerNameKey, "keyword_cache"),
	}
}

func (c *KeywordCache) HasGuild(guildID string) bool {
	_, ok := c.guilds[guildID]
	return ok
}

// GuildWords returns the cached user ID to keyword mapping for a guild,
// or nil if the guild isn't cached. A non-nil return counts as a usage
// hit for the guild.
func (c *KeywordCache) GuildWords(guildID string) map[string][]string {
	guild, ok := c.guilds[guildID]
	if !ok {
		return nil
	}
	guild.usage++

	words := make(map[string][]string, guild.Len())
	for _, u := range guild.Users() {
		words[u.ID] = u.Words()
	}
	return words
}

// PopulateGuild builds a guild index from flat store rows, replacing any
// existing entry for the guild. Users already cached under another guild
// are linked by identity rather than rebuilt, so their word sets stay
// shared. If the cache is at capacity, the least-used guild is evicted
// first.
func (c *KeywordCache) PopulateGuild(guildID string, rows []KeywordRow) {
	if _, exists := c.guilds[guildID]; !exists {
		c.evictForCapacity()
	}

	guild := NewGuild(guildID)

	wordsByUser := map[string][]string{}
	for _, row := range rows {
		wordsByUser[row.UserID] = append(wordsByUser[row.UserID], row.Word)
	}
	for userID, words := range wordsByUser {
		user := c.findUser(userID)
		if user == nil {
			user = NewUser(userID, words)
		}
		guild.AddUser(user)
	}
	c.guilds[guildID] = guild
	c.logger.Debug(
		"populated guild",
		"guild_id", guildID,
		"users", guild.Len(),
	)
}

// evictForCapacity drops the least-used guild when the cache is full.
func (c *KeywordCache) evictForCapacity() {
	if c.capacity <= 0 || len(c.guilds) < c.capacity {
		return
	}
	var victim *Guild
	for _, g := range c.guilds {
		if victim == nil || g.usage < victim.usage {
			victim = g
		}
	}
	if victim != nil {
		delete(c.guilds, victim.ID)
		c.logger.Debug(
			"evicted least-used guild",
			"guild_id", victim.ID,
			"usage", victim.usage,
		)
	}
}

// EvictGuild removes a guild from the cache. No-op if absent.
func (c *KeywordCache) EvictGuild(guildID string) {
	delete(c.guilds, guildID)
}

// HasUser reports whether any cached guild holds the user.
func (c *KeywordCache) HasUser(userID string) bool {
	return c.findUser(userID) != nil
}

// UserWords returns a cached user's keywords, and whether the user was
// found in any cached guild.
func (c *KeywordCache) UserWords(userID string) ([]string, bool) {
	user := c.findUser(userID)
	if user == nil {
		return nil, false
	}
	return user.Words(), true
}

// AddUserToGuilds inserts a single new User with the given words into
// every listed guild that is currently cached. Guilds not cached are
// skipped; they'll pick the user up from the store on their next miss.
func (c *KeywordCache) AddUserToGuilds(
	guildIDs []string,
	userID string,
	words []string,
) {
	user := NewUser(userID, words)
	for _, guildID := range guildIDs {
		if guild, ok := c.guilds[guildID]; ok {
			guild.AddUser(user)
		}
	}
}

// AddGuildMember links an already-cached user into a cached guild by
// identity. No-op if either the guild or the user isn't cached.
func (c *KeywordCache) AddGuildMember(guildID, userID string) {
	guild, ok := c.guilds[guildID]
	if !ok {
		return
	}
	if user := c.findUser(userID); user != nil {
		guild.AddUser(user)
	}
}

// RemoveGuildMember removes a user from a cached guild. The member may
// or may not be a keyword owner; prior presence isn't checked.
func (c *KeywordCache) RemoveGuildMember(guildID, userID string) {
	if guild, ok := c.guilds[guildID]; ok {
		guild.RemoveUser(userID)
	}
}

// AddWords adds words to a cached user's set, returning the new size, or
// -1 if the user isn't cached. -1 is not an error: the store already has
// the write, the cache just has nothing to update.
func (c *KeywordCache) AddWords(userID string, words []string) int {
	user := c.findUser(userID)
	if user == nil {
		return -1
	}
	return user.AddWords(words)
}

// RemoveWords removes words from a cached user's set, returning the new
// size, or -1 if the user isn't cached.
func (c *KeywordCache) RemoveWords(userID string, words []string) int {
	user := c.findUser(userID)
	if user == nil {
		return -1
	}
	return user.RemoveWords(words)
}

// DeleteUser removes the user from every cached guild.
func (c *KeywordCache) DeleteUser(userID string) {
	for _, guild := range c.guilds {
		guild.RemoveUser(userID)
	}
}

func (c *KeywordCache) findUser(userID string) *User {
	for _, guild := range c.guilds {
		if user := guild.User(userID); user != nil {
			return user
		}
	}
	return nil
}

// GuildStats describes one cached guild for the status API.
type GuildStats struct {
	GuildID string `json:"guild_id"`
	Users   int    `json:"users"`
	Usage   uint64 `json:"usage"`
}

// CacheStats is a point-in-time snapshot of the cache for the status API.
type CacheStats struct {
	Capacity int          `json:"capacity"`
	Guilds   []GuildStats `json:"guilds"`
}

func (c *KeywordCache) Stats() CacheStats {
	stats := CacheStats{
		Capacity: c.capacity,
		Guilds:   make([]GuildStats, 0, len(c.guilds)),
	}
	for _, g := range c.guilds {
		stats.Guilds = append(
			stats.Guilds,
			GuildStats{GuildID: g.ID, Users: g.Len(), Usage: g.usage},
		)
	}
	sort.Slice(
		stats.Guilds, func(i, j int) bool {
			return stats.Guilds[i].GuildID < stats.Guilds[j].GuildID
		},
	)
	return stats
}
