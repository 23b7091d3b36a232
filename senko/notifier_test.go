package senko

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserUpdatedNotificationRoundTrip(t *testing.T) {
	t.Parallel()

	msg := newUserUpdatedNotificationMessage("notifier-a", "user-1")
	notifierID, userID := parseUserUpdatedNotification(msg)
	assert.Equal(t, "notifier-a", notifierID)
	assert.Equal(t, "user-1", userID)

	// payload without a separator has no user ID
	notifierID, userID = parseUserUpdatedNotification("garbage")
	assert.Equal(t, "garbage", notifierID)
	assert.Empty(t, userID)
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()

	a, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, a, 32)

	b, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewDBNotifierByDatabaseType(t *testing.T) {
	t.Parallel()

	bot := &Senko{
		config: &Config{DatabaseType: dbTypeSQLite},
		logger: slog.Default(),
	}
	notifier, err := newDBNotifier(bot)
	require.NoError(t, err)
	assert.IsType(t, &sqliteNotifier{}, notifier)
	assert.Empty(t, notifier.UserUpdateChannelName())
	assert.NotEmpty(t, notifier.ID())
	assert.True(t, notifier.UserUpdated(context.Background(), "user-1"))

	bot.config.DatabaseType = dbTypePostgres
	notifier, err = newDBNotifier(bot)
	require.NoError(t, err)
	assert.IsType(t, &postgresNotifier{}, notifier)
	assert.Equal(
		t,
		postgresNotifyChannelUserUpdated,
		notifier.UserUpdateChannelName(),
	)

	bot.config.DatabaseType = "mysql"
	_, err = newDBNotifier(bot)
	assert.Error(t, err)
}
