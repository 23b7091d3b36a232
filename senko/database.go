package senko

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var dbOperationTimeout = 30 * time.Second

// ErrDuplicateKeyword indicates an insert for a (user, word) pair that
// already exists. Callers treat this as benign: the word is already owned
// by the user.
var ErrDuplicateKeyword = errors.New("keyword already exists for user")

// ModelUintID is an embeddable model with an auto-incrementing primary key.
type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// Keyword is a persisted (user, word) pair: one keyword owned by one user.
// Words are stored lowercase. The composite unique index is what surfaces
// ErrDuplicateKeyword on repeat inserts.
type Keyword struct {
	ModelUintID
	ModelUnixTime
	UserID string `json:"user_id" gorm:"index;uniqueIndex:idx_user_word;type:string"`
	Word   string `json:"word" gorm:"uniqueIndex:idx_user_word;type:string"`
}

// Membership is a persisted (guild, user) pair meaning "this keyword
// owner is present in this guild." Only keyword owners get membership
// rows; plain guild members are not tracked.
type Membership struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_user;type:string"`
	UserID  string `json:"user_id" gorm:"index;uniqueIndex:idx_guild_user;type:string"`
}

// KeywordRow is one flat (user, word) row from a guild keyword lookup.
type KeywordRow struct {
	UserID string
	Word   string
}

// KeywordStore is the relational store boundary consumed by
// NotificationStore. gormKeywordStore implements it for 'real' DB
// operations; tests substitute counting/failing doubles.
type KeywordStore interface {
	// GuildKeywords returns flat (user, word) rows for every
	// keyword-owning member of the guild
	GuildKeywords(ctx context.Context, guildID string) ([]KeywordRow, error)

	// UserKeywords returns all words owned by the user
	UserKeywords(ctx context.Context, userID string) ([]string, error)

	// InsertKeyword adds one word for the user. Returns
	// ErrDuplicateKeyword if the pair already exists.
	InsertKeyword(ctx context.Context, userID string, word string) error

	// DeleteKeyword removes one word for the user. Deleting an absent
	// row is a no-op.
	DeleteKeyword(ctx context.Context, userID string, word string) error

	// InsertMembership records the user as a keyword owner present in
	// the guild. Returns ErrDuplicateKeyword semantics via the same
	// unique index handling (duplicate rows are benign).
	InsertMembership(ctx context.Context, guildID string, userID string) error

	// DeleteMembership removes one (guild, user) row. Absent rows are a
	// safe no-op.
	DeleteMembership(ctx context.Context, guildID string, userID string) error

	// DeleteGuildMemberships removes every membership row for the guild
	DeleteGuildMemberships(ctx context.Context, guildID string) error

	// DeleteUserMemberships removes every membership row for the user
	DeleteUserMemberships(ctx context.Context, userID string) error

	// KeywordOwners returns the distinct user IDs owning at least one keyword
	KeywordOwners(ctx context.Context) ([]string, error)

	// HasMembership reports whether any membership row exists for the user
	HasMembership(ctx context.Context, userID string) (bool, error)

	// HasKeywords reports whether the user owns at least one keyword
	HasKeywords(ctx context.Context, userID string) (bool, error)

	// UserGuilds returns the guild IDs the user has membership rows for
	UserGuilds(ctx context.Context, userID string) ([]string, error)
}

type gormKeywordStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewKeywordStore wraps a GORM connection in the KeywordStore boundary.
func NewKeywordStore(db *gorm.DB, log *slog.Logger) KeywordStore {
	if log == nil {
		log = slog.Default()
	}
	return &gormKeywordStore{
		db:     db,
		logger: log.With(loggerNameKey, "keyword_store"),
	}
}

// session returns a context-scoped DB handle after verifying the
// connection is alive. A dead connection gets one reconnect attempt
// (database/sql re-establishes pooled connections on ping) before the
// operation proceeds.
func (s *gormKeywordStore) session(ctx context.Context) (
	*gorm.DB,
	context.CancelFunc,
	error,
) {
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		s.logger.Warn("store connection lost, reconnecting", tint.Err(pingErr))
		if retryErr := sqlDB.PingContext(ctx); retryErr != nil {
			cancel()
			return nil, nil, fmt.Errorf("store unreachable: %w", retryErr)
		}
	}
	return s.db.WithContext(ctx), cancel, nil
}

func (s *gormKeywordStore) GuildKeywords(
	ctx context.Context,
	guildID string,
) ([]KeywordRow, error) {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var rows []KeywordRow
	err = db.Model(&Keyword{}).
		Select("keywords.user_id as user_id, keywords.word as word").
		Joins(
			"JOIN memberships ON memberships.user_id = keywords.user_id AND memberships.guild_id = ?",
			guildID,
		).
		Scan(&rows).Error
	return rows, err
}

func (s *gormKeywordStore) UserKeywords(
	ctx context.Context,
	userID string,
) ([]string, error) {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var words []string
	err = db.Model(&Keyword{}).
		Where("user_id = ?", userID).
		Order("word").
		Pluck("word", &words).Error
	return words, err
}

func (s *gormKeywordStore) InsertKeyword(
	ctx context.Context,
	userID string,
	word string,
) error {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	insertErr := db.Create(&Keyword{UserID: userID, Word: word}).Error
	if insertErr != nil && errors.Is(insertErr, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %q", ErrDuplicateKeyword, word)
	}
	return insertErr
}

func (s *gormKeywordStore) DeleteKeyword(
	ctx context.Context,
	userID string,
	word string,
) error {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return db.Where(
		"user_id = ? AND word = ?", userID, word,
	).Delete(&Keyword{}).Error
}

func (s *gormKeywordStore) InsertMembership(
	ctx context.Context,
	guildID string,
	userID string,
) error {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	insertErr := db.Create(&Membership{GuildID: guildID, UserID: userID}).Error
	if insertErr != nil && errors.Is(insertErr, gorm.ErrDuplicatedKey) {
		// membership already recorded, nothing to do
		return nil
	}
	return insertErr
}

func (s *gormKeywordStore) DeleteMembership(
	ctx context.Context,
	guildID string,
	userID string,
) error {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return db.Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Delete(&Membership{}).Error
}

func (s *gormKeywordStore) DeleteGuildMemberships(
	ctx context.Context,
	guildID string,
) error {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return db.Where("guild_id = ?", guildID).Delete(&Membership{}).Error
}

func (s *gormKeywordStore) DeleteUserMemberships(
	ctx context.Context,
	userID string,
) error {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return db.Where("user_id = ?", userID).Delete(&Membership{}).Error
}

func (s *gormKeywordStore) KeywordOwners(ctx context.Context) (
	[]string,
	error,
) {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var owners []string
	err = db.Model(&Keyword{}).Distinct().Pluck("user_id", &owners).Error
	return owners, err
}

func (s *gormKeywordStore) HasMembership(
	ctx context.Context,
	userID string,
) (bool, error) {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	var count int64
	err = db.Model(&Membership{}).Where(
		"user_id = ?", userID,
	).Limit(1).Count(&count).Error
	return count > 0, err
}

func (s *gormKeywordStore) HasKeywords(
	ctx context.Context,
	userID string,
) (bool, error) {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	var count int64
	err = db.Model(&Keyword{}).Where(
		"user_id = ?", userID,
	).Limit(1).Count(&count).Error
	return count > 0, err
}

func (s *gormKeywordStore) UserGuilds(
	ctx context.Context,
	userID string,
) ([]string, error) {
	db, cancel, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var guilds []string
	err = db.Model(&Membership{}).Where(
		"user_id = ?", userID,
	).Pluck("guild_id", &guilds).Error
	return guilds, err
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the keyword/membership models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (
	*gorm.DB,
	error,
) {
	handler := newLogHandler(slog.LevelWarn)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Keyword{},
		&Membership{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB opens the underlying GORM connection. TranslateError is enabled
// so unique-constraint violations surface as gorm.ErrDuplicatedKey on
// both drivers.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
