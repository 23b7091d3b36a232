package senko

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// event is one unit of work on the bot's event queue. Everything that
// touches the keyword cache flows through here, so cache state is only
// ever read or written from the single event goroutine.
type event interface {
	eventName() string
}

type messageEvent struct {
	msg InboundMessage
}

func (messageEvent) eventName() string { return "message" }

type memberJoinEvent struct {
	guildID string
	userID  string
}

func (memberJoinEvent) eventName() string { return "member_join" }

type memberLeaveEvent struct {
	guildID string
	userID  string
}

func (memberLeaveEvent) eventName() string { return "member_leave" }

type guildJoinEvent struct {
	guildID   string
	guildName string
	memberIDs []string
}

func (guildJoinEvent) eventName() string { return "guild_join" }

type guildLeaveEvent struct {
	guildID   string
	guildName string
}

func (guildLeaveEvent) eventName() string { return "guild_leave" }

// userInvalidatedEvent drops a user's cached words after another bot
// instance reported a change.
type userInvalidatedEvent struct {
	userID string
}

func (userInvalidatedEvent) eventName() string { return "user_invalidated" }

// statsRequestEvent asks the event goroutine for a cache snapshot on
// behalf of the status API.
type statsRequestEvent struct {
	reply chan CacheStats
}

func (statsRequestEvent) eventName() string { return "stats_request" }

// Senko is the keyword notification bot. It owns the gateway session,
// the keyword cache and its backing store, and the single goroutine that
// serializes all event handling.
type Senko struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db            *gorm.DB
	store         KeywordStore
	cache         *KeywordCache
	notifications *NotificationStore
	match         *MatchEngine
	discord       *Discord
	commands      *commandHandler
	api           *API
	dbNotifier    DBNotifier

	events        chan event
	eventsDropped atomic.Int64

	// knownGuilds filters duplicate GuildCreate payloads (gateway resume
	// re-sends every guild). Event goroutine only.
	knownGuilds map[string]struct{}

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	runMu     sync.Mutex
	startedAt time.Time
}

// New creates a Senko instance from the given config. The database and
// gateway connections aren't opened until Run.
func New(config *Config) (*Senko, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	queueSize := config.EventQueueSize
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}

	s := &Senko{
		config:      config,
		events:      make(chan event, queueSize),
		knownGuilds: map[string]struct{}{},
		signalStop:  make(chan struct{}, 1),
	}

	s.logHandler = tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     s.config.LogLevel,
			AddSource: true,
		},
	)
	s.logger = slog.New(s.logHandler)
	slog.SetDefault(s.logger)

	s.cache = NewKeywordCache(config.CacheCapacity, s.logger)

	s.config.Discord.httpClient = s.config.HTTPClient
	disc := newDiscord(s.config.Discord)
	disc.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     s.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.bot = s
	s.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     s.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	s.match = NewMatchEngine(disc, s.logger)

	if config.API != nil && config.API.Enabled {
		api, err := newAPI(s, config.API)
		if err != nil {
			errs = append(errs, err)
		}
		s.api = api
	}

	return s, errors.Join(errs...)
}

// enqueue adds an event to the queue without blocking the gateway
// callback. A full queue drops the event.
func (s *Senko) enqueue(e event) bool {
	select {
	case s.events <- e:
		return true
	default:
		s.eventsDropped.Add(1)
		s.logger.Warn(
			"event queue full, dropping event",
			"event", e.eventName(),
			"dropped_total", s.eventsDropped.Load(),
		)
		return false
	}
}

// Stop signals a running bot to begin graceful shutdown.
func (s *Senko) Stop() {
	select {
	case s.signalStop <- struct{}{}:
	default:
	}
}

// Run connects the bot and blocks until the context is canceled or Stop
// is called, then shuts down gracefully.
func (s *Senko) Run(ctx context.Context) error {
	// prevents concurrent runs
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.startedAt = time.Now()
	logger := s.logger

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", s.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	if err := s.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	if s.api != nil {
		go func() {
			httpErr := s.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if channel := s.dbNotifier.UserUpdateChannelName(); channel != "" {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := s.dbNotifier.Listen(ctx, channel); e != nil {
				logger.ErrorContext(
					ctx,
					"error listening to user update channel",
					tint.Err(e),
				)
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		s.eventLoop(ctx)
	}()

	if err := s.initDiscordSession(); err != nil {
		logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
		cancel()
		runtimeWG.Wait()
		return err
	}
	logger.InfoContext(ctx, "discord session open")

	<-ctx.Done()

	return s.shutdown(runtimeWG)
}

// initRun opens the database and assembles the store-backed components.
func (s *Senko) initRun(ctx context.Context) error {
	db, err := CreateDB(ctx, s.config.DatabaseType, s.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	s.db = db

	s.store = NewKeywordStore(db, s.logger)
	s.notifications = NewNotificationStore(s.store, s.cache, s.logger)
	s.notifications.SetOperatorReporter(s.discord)

	notifier, err := newDBNotifier(s)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	s.dbNotifier = notifier

	s.commands = newCommandHandler(
		s.notifications,
		s.discord,
		s.config.Cooldown,
		s.logger,
	)
	s.commands.userGuildIDs = s.discord.userGuildIDs
	s.commands.onUserUpdated = func(ctx context.Context, userID string) {
		s.dbNotifier.UserUpdated(ctx, userID)
	}

	return nil
}

// initDiscordSession creates the gateway session, registers handlers and
// opens the websocket.
func (s *Senko) initDiscordSession() error {
	session, err := s.discord.newSession()
	if err != nil {
		return err
	}
	s.discord.session = session

	s.discord.removeHandlerFuncs = []func(){
		session.AddHandler(s.discord.handlerReady()),
		session.AddHandler(s.discord.handlerConnect()),
		session.AddHandler(s.discord.handlerDisconnect()),
		session.AddHandler(s.discord.handlerMessageCreate()),
		session.AddHandler(s.discord.handlerGuildMemberAdd()),
		session.AddHandler(s.discord.handlerGuildMemberRemove()),
		session.AddHandler(s.discord.handlerGuildCreate()),
		session.AddHandler(s.discord.handlerGuildDelete()),
	}

	return session.Open()
}

// eventLoop is the bot's single consumer goroutine: every gateway event,
// cache invalidation and stats request is handled here, one at a time.
func (s *Senko) eventLoop(ctx context.Context) {
	s.logger.Info("event loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("event loop stopped")
			return
		case e := <-s.events:
			s.handleEvent(ctx, e)
		}
	}
}

func (s *Senko) handleEvent(ctx context.Context, e event) {
	switch ev := e.(type) {
	case messageEvent:
		s.handleMessage(ctx, ev.msg)
	case memberJoinEvent:
		_ = s.notifications.RegisterMember(ctx, ev.guildID, ev.userID)
	case memberLeaveEvent:
		_ = s.notifications.DeregisterMember(ctx, ev.guildID, ev.userID)
	case guildJoinEvent:
		if _, ok := s.knownGuilds[ev.guildID]; ok {
			return
		}
		s.logger.Info(
			"joined guild",
			"guild_id", ev.guildID,
			"guild_name", ev.guildName,
			"members", len(ev.memberIDs),
		)
		_ = s.notifications.RegisterGuild(ctx, ev.guildID, ev.memberIDs)
		s.knownGuilds[ev.guildID] = struct{}{}
	case guildLeaveEvent:
		s.logger.Info(
			"left guild",
			"guild_id", ev.guildID,
			"guild_name", ev.guildName,
		)
		_ = s.notifications.DeregisterGuild(ctx, ev.guildID)
		delete(s.knownGuilds, ev.guildID)
	case userInvalidatedEvent:
		s.logger.Debug("invalidating user", "user_id", ev.userID)
		s.cache.DeleteUser(ev.userID)
	case statsRequestEvent:
		ev.reply <- s.cache.Stats()
	default:
		s.logger.Warn("unknown event", "event", e.eventName())
	}
}

// handleMessage routes one inbound message: command-prefixed messages go
// to the command surface, everything else in a guild is scanned for
// keywords.
func (s *Senko) handleMessage(ctx context.Context, msg InboundMessage) {
	prefix := s.config.Discord.CommandPrefix
	if prefix != "" && strings.HasPrefix(msg.Content, prefix) {
		s.commands.Handle(ctx, msg, strings.TrimPrefix(msg.Content, prefix))
		return
	}

	if msg.GuildID == "" {
		return
	}

	guildWords, err := s.notifications.GetGuildWords(ctx, msg.GuildID)
	if err != nil {
		// already reported; skip the scan rather than retry inline
		return
	}
	s.match.Scan(ctx, msg, guildWords)
}

// shutdown closes the gateway session, the API server and the database.
func (s *Senko) shutdown(runtimeWG *sync.WaitGroup) error {
	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		s.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	if s.discord.session != nil {
		for _, remove := range s.discord.removeHandlerFuncs {
			remove()
		}
		if err := s.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if s.api != nil {
		if err := s.api.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}

	runtimeWaited := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		runtimeWaited <- struct{}{}
	}()
	select {
	case <-runtimeWaited:
	//
	case <-shutdownCtx.Done():
		s.logger.Warn("timed out waiting for runtime goroutines")
	}

	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", closeErr))
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", tint.Err(err))
	} else {
		s.logger.Info("shutdown complete", "uptime", time.Since(s.startedAt))
	}
	return err
}
