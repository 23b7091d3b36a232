package senko

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	commandGroupNotify = "notify"

	commandNotifyAdd   = "add"
	commandNotifyRem   = "rem"
	commandNotifyClear = "clear"
	commandNotifyList  = "list"
)

// commandGroupAliases maps every accepted spelling of the notify group
// to its canonical name.
var commandGroupAliases = map[string]string{
	"notify":   commandGroupNotify,
	"keyword":  commandGroupNotify,
	"keywords": commandGroupNotify,
	"kw":       commandGroupNotify,
}

var commandAliases = map[string]string{
	"add":    commandNotifyAdd,
	"new":    commandNotifyAdd,
	"rem":    commandNotifyRem,
	"remove": commandNotifyRem,
	"del":    commandNotifyRem,
	"delete": commandNotifyRem,
	"clear":  commandNotifyClear,
	"list":   commandNotifyList,
	"all":    commandNotifyList,
}

// commandResponder is the outbound side of the command surface: keyword
// lists go to the user's DMs, cooldown warnings and DM-failure fallbacks
// go to the invoking channel.
type commandResponder interface {
	SendDM(userID string, content string) error
	SendChannel(channelID string, content string) error
}

// userCooldown tracks one user's command rate limiter and how many
// cooldown warnings they've been sent this window.
type userCooldown struct {
	limiter  *rate.Limiter
	warnings int
}

// commandHandler parses notify commands out of inbound messages. Each
// subcommand resolves to exactly one NotificationStore call plus a
// keyword list response.
type commandHandler struct {
	notifications *NotificationStore
	responder     commandResponder
	logger        *slog.Logger
	config        *CooldownConfig

	// userGuildIDs resolves the guilds a user shares with the bot, for
	// first-time keyword owner registration
	userGuildIDs func(userID string) []string

	cooldowns map[string]*userCooldown

	// onUserUpdated, if set, announces a durable word-set change (for
	// cross-instance cache coherence)
	onUserUpdated func(ctx context.Context, userID string)
}

func newCommandHandler(
	notifications *NotificationStore,
	responder commandResponder,
	config *CooldownConfig,
	log *slog.Logger,
) *commandHandler {
	if log == nil {
		log = slog.Default()
	}
	return &commandHandler{
		notifications: notifications,
		responder:     responder,
		config:        config,
		logger:        log.With(loggerNameKey, "commands"),
		cooldowns:     map[string]*userCooldown{},
		userGuildIDs:  func(string) []string { return nil },
	}
}

// Handle parses and executes a command message. The prefix has already
// been stripped by the caller. Unknown commands are silently ignored.
func (h *commandHandler) Handle(ctx context.Context, msg InboundMessage, input string) {
	fields := strings.Fields(input)
	if len(fields) < 2 {
		return
	}
	if _, ok := commandGroupAliases[strings.ToLower(fields[0])]; !ok {
		return
	}
	sub, ok := commandAliases[strings.ToLower(fields[1])]
	if !ok {
		return
	}
	args := fields[2:]

	if !h.allow(msg) {
		return
	}

	h.logger.Info(
		"command",
		"subcommand", sub,
		"args", len(args),
		"msg", msg,
	)

	var err error
	switch sub {
	case commandNotifyAdd:
		err = h.addWords(ctx, msg, args)
	case commandNotifyRem:
		err = h.removeWords(ctx, msg.AuthorID, args)
	case commandNotifyClear:
		err = h.clearWords(ctx, msg.AuthorID)
	case commandNotifyList:
		// list is just the shared response below
	}
	if err != nil {
		h.logger.Error("command failed", "subcommand", sub, tint.Err(err))
	}

	h.respondWithList(ctx, msg)
}

// addWords registers the author as a keyword owner if this is their
// first word, then adds the given words.
func (h *commandHandler) addWords(
	ctx context.Context,
	msg InboundMessage,
	args []string,
) error {
	userID := msg.AuthorID

	isNew, err := h.notifications.IsNewUser(ctx, userID)
	if err != nil {
		return err
	}
	if isNew {
		guildIDs := h.userGuildIDs(userID)
		if len(guildIDs) == 0 && msg.GuildID != "" {
			guildIDs = []string{msg.GuildID}
		}
		h.logger.Debug(
			"registering new user",
			"user_id", userID,
			"guilds", len(guildIDs),
		)
		if err = h.notifications.RegisterNewUser(ctx, guildIDs, userID); err != nil {
			return err
		}
	}

	if err = h.notifications.AddWords(ctx, userID, normalizeWords(args)); err != nil {
		return err
	}
	h.userUpdated(ctx, userID)
	return nil
}

func (h *commandHandler) removeWords(
	ctx context.Context,
	userID string,
	args []string,
) error {
	if err := h.notifications.RemoveWords(ctx, userID, normalizeWords(args)); err != nil {
		return err
	}
	h.userUpdated(ctx, userID)
	return nil
}

func (h *commandHandler) clearWords(ctx context.Context, userID string) error {
	words, err := h.notifications.GetWords(ctx, userID)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	if err = h.notifications.RemoveWords(ctx, userID, words); err != nil {
		return err
	}
	h.userUpdated(ctx, userID)
	return nil
}

func (h *commandHandler) userUpdated(ctx context.Context, userID string) {
	if h.onUserUpdated != nil {
		h.onUserUpdated(ctx, userID)
	}
}

// respondWithList DMs the author their current keyword list. If DMs are
// closed, fall back to a pointer in the invoking channel.
func (h *commandHandler) respondWithList(ctx context.Context, msg InboundMessage) {
	words, err := h.notifications.GetWords(ctx, msg.AuthorID)
	if err != nil {
		// store error already reported; the user gets nothing rather
		// than a leaked internal error
		return
	}

	message := "You have no keywords."
	if len(words) > 0 {
		message = "Keywords: " + strings.Join(words, ", ")
	}

	sendErr := h.responder.SendDM(msg.AuthorID, fmt.Sprintf("```%s```", message))
	if sendErr == nil {
		return
	}
	if errors.Is(sendErr, ErrRecipientUnreachable) && msg.ChannelID != "" {
		fallback := fmt.Sprintf(
			"<@%s>, I couldn't send you a DM. Please go to 'Privacy Settings' "+
				"for this server and allow direct messages from server members.",
			msg.AuthorID,
		)
		if chanErr := h.responder.SendChannel(msg.ChannelID, fallback); chanErr != nil {
			h.logger.Error("unable to send fallback response", tint.Err(chanErr))
		}
		return
	}
	h.logger.Error("unable to send keyword list", tint.Err(sendErr))
}

// allow applies the per-user cooldown. Direct messages are never rate
// limited. A user over the limit gets up to MaxWarnings warnings in the
// channel, then silence until the window refills.
func (h *commandHandler) allow(msg InboundMessage) bool {
	if h.config == nil || msg.GuildID == "" {
		return true
	}

	cd, ok := h.cooldowns[msg.AuthorID]
	if !ok {
		cd = &userCooldown{
			limiter: rate.NewLimiter(
				rate.Every(h.config.Interval),
				h.config.Burst,
			),
		}
		h.cooldowns[msg.AuthorID] = cd
	}

	if cd.limiter.Allow() {
		cd.warnings = 0
		return true
	}

	cd.warnings++
	if cd.warnings > h.config.MaxWarnings {
		return false
	}

	reservation := cd.limiter.Reserve()
	wait := reservation.Delay()
	reservation.Cancel()

	warning := fmt.Sprintf(
		"<@%s>, please wait %d seconds before trying again.",
		msg.AuthorID,
		int(wait.Round(time.Second).Seconds()),
	)
	if err := h.responder.SendChannel(msg.ChannelID, warning); err != nil {
		h.logger.Error("unable to send cooldown warning", tint.Err(err))
	}
	return false
}

// normalizeWords lowercases, trims, and mention-normalizes command
// arguments, dropping empties.
func normalizeWords(args []string) []string {
	words := make([]string, 0, len(args))
	for _, arg := range args {
		w := cleanMentions(strings.ToLower(strings.TrimSpace(arg)))
		if w == "" {
			continue
		}
		words = append(words, w)
	}
	return words
}
