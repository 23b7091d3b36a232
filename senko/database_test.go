package senko

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestStore creates a fresh sqlite-backed store in a per-test temp dir.
func newTestStore(t testing.TB) (KeywordStore, *gorm.DB) {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "senko_test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewKeywordStore(db, nil), db
}

func TestStoreDuplicateKeyword(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertKeyword(ctx, "user-1", "cat"))

	err := store.InsertKeyword(ctx, "user-1", "cat")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateKeyword)

	// same word for a different user is fine
	require.NoError(t, store.InsertKeyword(ctx, "user-2", "cat"))

	words, err := store.UserKeywords(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, words)
}

func TestStoreDeleteKeyword(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertKeyword(ctx, "user-1", "cat"))
	require.NoError(t, store.InsertKeyword(ctx, "user-1", "dog"))

	require.NoError(t, store.DeleteKeyword(ctx, "user-1", "cat"))
	// deleting an absent row is a no-op
	require.NoError(t, store.DeleteKeyword(ctx, "user-1", "cat"))

	words, err := store.UserKeywords(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dog"}, words)

	hasKeywords, err := store.HasKeywords(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, hasKeywords)

	require.NoError(t, store.DeleteKeyword(ctx, "user-1", "dog"))
	hasKeywords, err = store.HasKeywords(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, hasKeywords)
}

func TestStoreMembershipIdempotent(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMembership(ctx, "guild-1", "user-1"))
	// duplicate membership rows are benign
	require.NoError(t, store.InsertMembership(ctx, "guild-1", "user-1"))

	guilds, err := store.UserGuilds(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"guild-1"}, guilds)

	exists, err := store.HasMembership(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.DeleteMembership(ctx, "guild-1", "user-1"))
	exists, err = store.HasMembership(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStoreGuildKeywords(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertKeyword(ctx, "user-1", "cat"))
	require.NoError(t, store.InsertKeyword(ctx, "user-1", "dog"))
	require.NoError(t, store.InsertKeyword(ctx, "user-2", "bird"))
	require.NoError(t, store.InsertKeyword(ctx, "user-3", "fish"))

	require.NoError(t, store.InsertMembership(ctx, "guild-1", "user-1"))
	require.NoError(t, store.InsertMembership(ctx, "guild-1", "user-2"))
	require.NoError(t, store.InsertMembership(ctx, "guild-2", "user-3"))

	rows, err := store.GuildKeywords(ctx, "guild-1")
	require.NoError(t, err)
	assert.ElementsMatch(
		t, []KeywordRow{
			{UserID: "user-1", Word: "cat"},
			{UserID: "user-1", Word: "dog"},
			{UserID: "user-2", Word: "bird"},
		}, rows,
	)

	rows, err = store.GuildKeywords(ctx, "guild-3")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStoreKeywordOwners(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertKeyword(ctx, "user-1", "cat"))
	require.NoError(t, store.InsertKeyword(ctx, "user-1", "dog"))
	require.NoError(t, store.InsertKeyword(ctx, "user-2", "bird"))

	owners, err := store.KeywordOwners(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, owners)
}

func TestStoreDeleteGuildAndUserMemberships(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMembership(ctx, "guild-1", "user-1"))
	require.NoError(t, store.InsertMembership(ctx, "guild-1", "user-2"))
	require.NoError(t, store.InsertMembership(ctx, "guild-2", "user-1"))

	require.NoError(t, store.DeleteGuildMemberships(ctx, "guild-1"))

	guilds, err := store.UserGuilds(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"guild-2"}, guilds)

	exists, err := store.HasMembership(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.DeleteUserMemberships(ctx, "user-1"))
	exists, err = store.HasMembership(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateDBInvalidType(t *testing.T) {
	t.Parallel()

	_, err := CreateDB(context.Background(), "mysql", "senko.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}
