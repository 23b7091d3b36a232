package senko

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelUserUpdated = "senko_user_updated"

	// recordSeparator joins the notifier ID and user ID in a NOTIFY
	// payload
	recordSeparator = "\x1e"

	dbNotifierRetryInterval = 5 * time.Second
)

// DBNotifier propagates durable keyword changes between bot instances
// sharing one database. The sending side announces a user's word set
// changed; the listening side invalidates that user's cache entries so
// the next read repopulates from the store.
type DBNotifier interface {
	UserUpdateChannelName() string

	// UserUpdated announces that a user's keywords changed and other
	// instances should drop their cached copy.
	UserUpdated(ctx context.Context, userID string) bool

	// ID returns the identifier for this notifier. Instances use this
	// ID to filter out their own notifications.
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(s *Senko) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(loggerNameKey, "db_notifier")
	switch s.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, sqliteNotifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{bot: s, logger: log, pgNotifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier is the single-instance no-op notifier. SQLite deployments
// have exactly one bot process, and its own cache is already updated
// write-through, so there's nobody to tell.
type sqliteNotifier struct {
	logger         *slog.Logger
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) UserUpdateChannelName() string {
	return ""
}

func (s *sqliteNotifier) UserUpdated(_ context.Context, userID string) bool {
	s.logger.Debug("user updated", "user_id", userID)
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

// postgresNotifier fans keyword changes out over postgres LISTEN/NOTIFY.
type postgresNotifier struct {
	bot        *Senko
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) UserUpdateChannelName() string {
	return postgresNotifyChannelUserUpdated
}

func (p *postgresNotifier) UserUpdated(ctx context.Context, userID string) bool {
	msg := newUserUpdatedNotificationMessage(p.ID(), userID)

	notifyErr := p.bot.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.UserUpdateChannelName(),
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY for user update",
			tint.Err(notifyErr),
			"user_id", userID,
		)
		return false
	}
	p.logger.Info(
		"sent user update notification",
		"pg_notify_id", p.ID(),
		"user_id", userID,
	)
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.bot.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(dbNotifierRetryInterval)
			continue
		}

		notifierID, userID := parseUserUpdatedNotification(notification.Payload)
		if notifierID == p.ID() {
			logger.Debug(
				"received notification from self, ignoring",
				"payload", notification.Payload,
			)
			continue
		}
		if userID == "" {
			logger.Warn("malformed notification payload", "payload", notification.Payload)
			continue
		}
		logger.Info("received user update notification", "user_id", userID)
		p.bot.enqueue(userInvalidatedEvent{userID: userID})
	}

	return nil
}

func parseUserUpdatedNotification(s string) (notifierID, userID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newUserUpdatedNotificationMessage(notifierID string, userID string) string {
	return strings.Join([]string{notifierID, userID}, recordSeparator)
}

func generateRandomHexString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
