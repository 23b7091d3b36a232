package senko

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	discordMaxMessageLength = 2000

	// notificationQuoteLimit caps the quoted text in a keyword DM,
	// leaving room for the header and jump link.
	notificationQuoteLimit = 1500
)

// Discord manages the gateway session: it converts discordgo callbacks
// into bot events, and implements the Notifier and OperatorReporter
// boundaries on top of the session.
type Discord struct {
	session            DiscordSessionHandler
	config             *DiscordConfig
	logger             *slog.Logger
	bot                *Senko
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	connected          atomic.Bool
	removeHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:             config,
		removeHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session with the configured
// token, intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.State.TrackMembers = true
	disc.State.TrackChannels = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// handlerMessageCreate converts an incoming channel message into a
// messageEvent. The bot's own messages are dropped here; everything else
// is decided on the event goroutine.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		msg := inboundMessageFromDiscord(m.Message)
		msg.ChannelMembers = d.channelMembers(s, m.GuildID, m.ChannelID)
		d.bot.enqueue(messageEvent{msg: msg})
	}
}

func (d *Discord) handlerGuildMemberAdd() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.User == nil {
			return
		}
		d.bot.enqueue(memberJoinEvent{guildID: m.GuildID, userID: m.User.ID})
	}
}

func (d *Discord) handlerGuildMemberRemove() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberRemove,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.User == nil {
			return
		}
		d.bot.enqueue(memberLeaveEvent{guildID: m.GuildID, userID: m.User.ID})
	}
}

// handlerGuildCreate fires both on joining a new guild and on gateway
// resume for known guilds. Known guilds are filtered on the event
// goroutine against the store.
func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		memberIDs := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			if m.User != nil {
				memberIDs = append(memberIDs, m.User.ID)
			}
		}
		d.bot.enqueue(
			guildJoinEvent{
				guildID:   g.ID,
				guildName: g.Name,
				memberIDs: memberIDs,
			},
		)
	}
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		// Unavailable guilds are outages, not removals
		if g.Unavailable {
			return
		}
		name := g.Name
		if g.BeforeDelete != nil {
			name = g.BeforeDelete.Name
		}
		d.bot.enqueue(guildLeaveEvent{guildID: g.ID, guildName: name})
	}
}

// channelMembers returns the IDs of guild members able to view the
// channel, or nil when state tracking can't answer (the match engine
// then skips the membership pre-filter).
func (d *Discord) channelMembers(
	s *discordgo.Session,
	guildID string,
	channelID string,
) []string {
	if s == nil || s.State == nil || guildID == "" {
		return nil
	}
	guild, err := s.State.Guild(guildID)
	if err != nil || guild == nil || len(guild.Members) == 0 {
		return nil
	}
	members := make([]string, 0, len(guild.Members))
	for _, m := range guild.Members {
		if m.User == nil {
			continue
		}
		perms, permErr := s.State.UserChannelPermissions(m.User.ID, channelID)
		if permErr != nil {
			// unknown visibility, don't pre-filter anyone out
			return nil
		}
		if perms&discordgo.PermissionViewChannel != 0 {
			members = append(members, m.User.ID)
		}
	}
	return members
}

// userGuildIDs returns the IDs of guilds (known to session state) the
// user is currently a member of. Used when registering a new keyword
// owner's memberships.
func (d *Discord) userGuildIDs(userID string) []string {
	state := d.session.State()
	if state == nil {
		return nil
	}
	var guildIDs []string
	for _, g := range state.Guilds {
		if member, err := state.Member(g.ID, userID); err == nil && member != nil {
			guildIDs = append(guildIDs, g.ID)
		}
	}
	return guildIDs
}

// inboundMessageFromDiscord flattens a discordgo message, including its
// embeds, into the platform-agnostic InboundMessage.
func inboundMessageFromDiscord(m *discordgo.Message) InboundMessage {
	msg := InboundMessage{
		MessageID: m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author != nil {
		msg.AuthorID = author.ID
		msg.AuthorName = author.Username
		if author.GlobalName != "" {
			msg.AuthorName = author.GlobalName
		}
	}
	for _, embed := range m.Embeds {
		if embed == nil {
			continue
		}
		e := MessageEmbed{
			Description: embed.Description,
			Title:       embed.Title,
		}
		for _, field := range embed.Fields {
			if field == nil {
				continue
			}
			e.Fields = append(e.Fields, EmbedField{Name: field.Name, Value: field.Value})
		}
		msg.Embeds = append(msg.Embeds, e)
	}
	return msg
}

// NotifyUser implements Notifier: it DMs the matched user a quote of the
// triggering message with a jump link. Closed DMs surface as
// ErrRecipientUnreachable.
func (d *Discord) NotifyUser(
	_ context.Context,
	userID string,
	notice MessageNotice,
) error {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		if isDMForbidden(err) {
			return fmt.Errorf("%w: %s", ErrRecipientUnreachable, userID)
		}
		return err
	}

	// backticks would break the quoted block
	quote := strings.ReplaceAll(notice.Quote, "`", "'")
	quote = truncate(quote, notificationQuoteLimit)

	content := fmt.Sprintf(
		"```markdown\n<%s> %s```%s",
		notice.AuthorName,
		quote,
		messageJumpURL(notice.GuildID, notice.ChannelID, notice.MessageID),
	)
	_, err = d.session.ChannelMessageSend(channel.ID, content)
	if err != nil {
		if isDMForbidden(err) {
			return fmt.Errorf("%w: %s", ErrRecipientUnreachable, userID)
		}
		return err
	}
	return nil
}

// SendDM sends a plain direct message, used by the command surface for
// keyword list responses.
func (d *Discord) SendDM(userID string, content string) error {
	channel, err := d.session.UserChannelCreate(userID)
	if err == nil {
		_, err = d.session.ChannelMessageSend(
			channel.ID,
			truncate(content, discordMaxMessageLength),
		)
	}
	if err != nil && isDMForbidden(err) {
		return fmt.Errorf("%w: %s", ErrRecipientUnreachable, userID)
	}
	return err
}

// SendChannel sends a plain message to a guild channel, used by the
// command surface for cooldown warnings and DM-failure fallbacks.
func (d *Discord) SendChannel(channelID string, content string) error {
	return d.channelMessageSend(
		channelID,
		truncate(content, discordMaxMessageLength),
	)
}

// ReportOperator implements OperatorReporter over the configured
// notification channel. Best-effort.
func (d *Discord) ReportOperator(_ context.Context, message string) {
	if d.config.NotificationChannelID == "" {
		return
	}
	if err := d.channelMessageSend(
		d.config.NotificationChannelID,
		truncate(message, discordMaxMessageLength),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	); err != nil {
		d.logger.Error("unable to send operator message", tint.Err(err))
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// isDMForbidden reports whether the error is Discord refusing a direct
// message because the recipient disabled them.
func isDMForbidden(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code == discordgo.ErrCodeCannotSendMessagesToThisUser
	}
	return false
}

func messageJumpURL(guildID, channelID, messageID string) string {
	return fmt.Sprintf(
		"https://discord.com/channels/%s/%s/%s",
		guildID, channelID, messageID,
	)
}

// DiscordSessionHandler defines the subset of discordgo.Session used by
// the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// UpdateCustomStatus sets the bot's user status to the given string
	UpdateCustomStatus(status string) error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// State returns the session's state tracker
	State() *discordgo.State

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) State() *discordgo.State {
	return d.session.State
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
