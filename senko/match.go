package senko

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/lmittmann/tint"
)

// ErrRecipientUnreachable indicates the recipient can't receive direct
// messages (closed DMs). Expected; passive keyword notifications drop it
// silently after a debug log.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// mentionPattern matches a decorated mention tag: <@!id> (nickname) or
// <@&id> (role). Matching strips the decoration so a keyword containing
// a raw mention matches any form.
var mentionPattern = regexp.MustCompile(`<@[!&]?(\d+)>`)

// cleanMentions normalizes mention syntax to the canonical <@id> form.
func cleanMentions(s string) string {
	if s == "" {
		return ""
	}
	return mentionPattern.ReplaceAllString(s, `<@$1>`)
}

// MessageEmbed is the structured sub-text of a message, scanned after
// the plain content.
type MessageEmbed struct {
	Description string
	Title       string
	Fields      []EmbedField
}

// EmbedField is one name/value pair within an embed.
type EmbedField struct {
	Name  string
	Value string
}

// InboundMessage is a platform-agnostic view of one chat message.
// ChannelMembers lists the user IDs able to see the message's channel;
// nil means membership is unknown and the pre-filter is skipped.
type InboundMessage struct {
	MessageID      string
	GuildID        string
	ChannelID      string
	AuthorID       string
	AuthorName     string
	Content        string
	Embeds         []MessageEmbed
	ChannelMembers []string
}

func (m InboundMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("guild_id", m.GuildID),
		slog.String("channel_id", m.ChannelID),
		slog.String("author_id", m.AuthorID),
	)
}

// MessageNotice is the payload handed to the Notifier when a keyword
// matches: enough to identify the message, the matched word, and the
// text it matched in.
type MessageNotice struct {
	UserID     string
	Word       string
	Quote      string
	GuildID    string
	ChannelID  string
	MessageID  string
	AuthorID   string
	AuthorName string
}

func (n MessageNotice) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", n.UserID),
		slog.String("word", n.Word),
		slog.String("guild_id", n.GuildID),
		slog.String("message_id", n.MessageID),
	)
}

// Notifier delivers a keyword notification as a direct message.
// Implementations return ErrRecipientUnreachable (possibly wrapped) when
// the recipient has direct messages disabled.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, notice MessageNotice) error
}

// MatchEngine scans inbound messages against a guild's cached word map
// and dispatches at most one notification per candidate user per message.
type MatchEngine struct {
	notifier Notifier
	logger   *slog.Logger

	// compiled word-boundary patterns, keyed by keyword. Only touched
	// from the event goroutine.
	patterns map[string]*regexp.Regexp
}

func NewMatchEngine(notifier Notifier, log *slog.Logger) *MatchEngine {
	if log == nil {
		log = slog.Default()
	}
	return &MatchEngine{
		notifier: notifier,
		logger:   log.With(loggerNameKey, "match_engine"),
		patterns: map[string]*regexp.Regexp{},
	}
}

// hasWord reports whether the keyword appears in the text as a whole
// word or phrase: case-insensitive, bounded by non-word characters or
// string edges, never a substring of a larger word.
func (e *MatchEngine) hasWord(word string, text string) bool {
	if word == "" || text == "" {
		return false
	}
	re, ok := e.patterns[word]
	if !ok {
		var err error
		re, err = regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
		if err != nil {
			e.logger.Warn(
				"unmatchable keyword",
				"word", word,
				tint.Err(err),
			)
			return false
		}
		e.patterns[word] = re
	}
	return re.MatchString(cleanMentions(text))
}

// firstMatch finds the first of the user's words appearing in the
// message, searching the plain content first, then each embed's
// description, title, and field names/values in order. Returns the
// matched word and the text it was found in.
func (e *MatchEngine) firstMatch(words []string, msg InboundMessage) (
	word string,
	quote string,
	found bool,
) {
	for _, w := range words {
		if e.hasWord(w, msg.Content) {
			return w, msg.Content, true
		}
		for _, embed := range msg.Embeds {
			if e.hasWord(w, embed.Description) {
				return w, embed.Description, true
			}
			if e.hasWord(w, embed.Title) {
				return w, embed.Title, true
			}
			for _, field := range embed.Fields {
				if e.hasWord(w, field.Name) {
					return w, field.Name, true
				}
				if e.hasWord(w, field.Value) {
					return w, field.Value, true
				}
			}
		}
	}
	return "", "", false
}

// Scan evaluates every candidate user in the guild's word map against
// the message, dispatching one notification per matched user. Direct
// messages (no guild context) are never scanned. A delivery failure for
// one user never blocks evaluation of the others.
func (e *MatchEngine) Scan(
	ctx context.Context,
	msg InboundMessage,
	guildWords map[string][]string,
) {
	if msg.GuildID == "" {
		return
	}

	for userID, words := range guildWords {
		if userID == msg.AuthorID {
			continue
		}
		if msg.ChannelMembers != nil && !slices.Contains(msg.ChannelMembers, userID) {
			continue
		}

		word, quote, found := e.firstMatch(words, msg)
		if !found {
			continue
		}
		e.dispatch(ctx, userID, word, quote, msg)
	}
}

func (e *MatchEngine) dispatch(
	ctx context.Context,
	userID string,
	word string,
	quote string,
	msg InboundMessage,
) {
	notice := MessageNotice{
		UserID:     userID,
		Word:       word,
		Quote:      quote,
		GuildID:    msg.GuildID,
		ChannelID:  msg.ChannelID,
		MessageID:  msg.MessageID,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
	}
	err := e.notifier.NotifyUser(ctx, userID, notice)
	switch {
	case err == nil:
		e.logger.Debug("notified user", "notice", notice)
	case errors.Is(err, ErrRecipientUnreachable):
		e.logger.Debug(
			fmt.Sprintf("couldn't notify user %s", userID),
			"notice", notice,
		)
	default:
		e.logger.Error("error sending notification", "notice", notice, tint.Err(err))
	}
}
