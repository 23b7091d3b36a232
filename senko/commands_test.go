package senko

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	dms          []string
	channelSends []string
	dmErr        error
}

func (f *fakeResponder) SendDM(_ string, content string) error {
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms = append(f.dms, content)
	return nil
}

func (f *fakeResponder) SendChannel(_ string, content string) error {
	f.channelSends = append(f.channelSends, content)
	return nil
}

func newTestCommandHandler(t testing.TB) (*commandHandler, *fakeResponder) {
	t.Helper()
	notifications, _ := newTestNotificationStore(t)
	responder := &fakeResponder{}
	return newCommandHandler(notifications, responder, nil, nil), responder
}

func commandMessage(content string) InboundMessage {
	return InboundMessage{
		MessageID: "m1",
		GuildID:   "guild-1",
		ChannelID: "channel-1",
		AuthorID:  "user-1",
		Content:   content,
	}
}

func TestCommandAddAndList(t *testing.T) {
	t.Parallel()
	handler, responder := newTestCommandHandler(t)
	ctx := context.Background()

	handler.Handle(ctx, commandMessage("!notify add Cat DOG"), "notify add Cat DOG")

	require.Len(t, responder.dms, 1)
	assert.Equal(t, "```Keywords: cat, dog```", responder.dms[0])

	words, err := handler.notifications.GetWords(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, words)

	handler.Handle(ctx, commandMessage("!kw list"), "kw list")
	require.Len(t, responder.dms, 2)
	assert.Equal(t, "```Keywords: cat, dog```", responder.dms[1])
}

func TestCommandAddRegistersNewUser(t *testing.T) {
	t.Parallel()
	handler, _ := newTestCommandHandler(t)
	ctx := context.Background()

	handler.Handle(ctx, commandMessage("!notify add cat"), "notify add cat")

	// with no gateway state, the invoking guild is used for registration
	guilds, err := handler.notifications.store.UserGuilds(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"guild-1"}, guilds)
}

func TestCommandRemove(t *testing.T) {
	t.Parallel()
	handler, responder := newTestCommandHandler(t)
	ctx := context.Background()

	handler.Handle(ctx, commandMessage("!notify add cat dog"), "notify add cat dog")
	handler.Handle(ctx, commandMessage("!notify rem cat"), "notify rem cat")

	require.Len(t, responder.dms, 2)
	assert.Equal(t, "```Keywords: dog```", responder.dms[1])
}

func TestCommandClear(t *testing.T) {
	t.Parallel()
	handler, responder := newTestCommandHandler(t)
	ctx := context.Background()

	handler.Handle(ctx, commandMessage("!notify add cat dog"), "notify add cat dog")
	handler.Handle(ctx, commandMessage("!notify clear"), "notify clear")

	require.Len(t, responder.dms, 2)
	assert.Equal(t, "```You have no keywords.```", responder.dms[1])

	isNew, err := handler.notifications.IsNewUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestCommandAliases(t *testing.T) {
	t.Parallel()
	handler, responder := newTestCommandHandler(t)
	ctx := context.Background()

	handler.Handle(ctx, commandMessage("!keywords new cat"), "keywords new cat")
	handler.Handle(ctx, commandMessage("!kw delete cat"), "kw delete cat")
	handler.Handle(ctx, commandMessage("!keyword all"), "keyword all")

	require.Len(t, responder.dms, 3)
	assert.Equal(t, "```You have no keywords.```", responder.dms[2])
}

func TestCommandUnknownIgnored(t *testing.T) {
	t.Parallel()
	handler, responder := newTestCommandHandler(t)
	ctx := context.Background()

	handler.Handle(ctx, commandMessage("!dice 2d6"), "dice 2d6")
	handler.Handle(ctx, commandMessage("!notify frobnicate"), "notify frobnicate")
	handler.Handle(ctx, commandMessage("!notify"), "notify")

	assert.Empty(t, responder.dms)
	assert.Empty(t, responder.channelSends)
}

func TestCommandDMFallbackWhenUnreachable(t *testing.T) {
	t.Parallel()
	handler, responder := newTestCommandHandler(t)
	responder.dmErr = fmt.Errorf("%w: user-1", ErrRecipientUnreachable)
	ctx := context.Background()

	handler.Handle(ctx, commandMessage("!notify add cat"), "notify add cat")

	assert.Empty(t, responder.dms)
	require.Len(t, responder.channelSends, 1)
	assert.Contains(t, responder.channelSends[0], "<@user-1>")
	assert.Contains(t, responder.channelSends[0], "allow direct messages")
}

func TestCommandCooldown(t *testing.T) {
	t.Parallel()
	notifications, _ := newTestNotificationStore(t)
	responder := &fakeResponder{}
	handler := newCommandHandler(
		notifications,
		responder,
		&CooldownConfig{
			Interval:    time.Hour,
			Burst:       2,
			MaxWarnings: 2,
		},
		nil,
	)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		handler.Handle(ctx, commandMessage("!notify list"), "notify list")
	}

	// two allowed, then two warnings, then silence
	assert.Len(t, responder.dms, 2)
	require.Len(t, responder.channelSends, 2)
	assert.Contains(t, responder.channelSends[0], "please wait")
}

func TestCommandCooldownSkipsDirectMessages(t *testing.T) {
	t.Parallel()
	notifications, _ := newTestNotificationStore(t)
	responder := &fakeResponder{}
	handler := newCommandHandler(
		notifications,
		responder,
		&CooldownConfig{Interval: time.Hour, Burst: 1, MaxWarnings: 1},
		nil,
	)
	ctx := context.Background()

	dm := InboundMessage{
		MessageID: "m1",
		ChannelID: "dm-channel",
		AuthorID:  "user-1",
	}
	for i := 0; i < 4; i++ {
		handler.Handle(ctx, dm, "notify list")
	}

	assert.Len(t, responder.dms, 4)
	assert.Empty(t, responder.channelSends)
}

func TestNormalizeWords(t *testing.T) {
	t.Parallel()

	assert.Equal(
		t,
		[]string{"cat", "<@123>", "dog"},
		normalizeWords([]string{"Cat", "<@!123>", " DOG ", ""}),
	)
	assert.Empty(t, normalizeWords(nil))
}
