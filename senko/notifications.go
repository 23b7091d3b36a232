package senko

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
)

// OperatorReporter surfaces unexpected store errors to an
// operator-visible channel. Best-effort; failures to report are only
// logged.
type OperatorReporter interface {
	ReportOperator(ctx context.Context, message string)
}

// NotificationStore is the write-through persistence façade over the
// relational store. The store is always the source of truth: every
// mutation writes the store first, then applies the same delta to the
// keyword cache if it's warm. Reads are cache-first, with guild entries
// lazily populated on first miss.
type NotificationStore struct {
	store    KeywordStore
	cache    *KeywordCache
	logger   *slog.Logger
	operator OperatorReporter
}

func NewNotificationStore(
	store KeywordStore,
	cache *KeywordCache,
	log *slog.Logger,
) *NotificationStore {
	if log == nil {
		log = slog.Default()
	}
	return &NotificationStore{
		store:  store,
		cache:  cache,
		logger: log.With(loggerNameKey, "notification_store"),
	}
}

// SetOperatorReporter wires the operator log channel. May be nil.
func (n *NotificationStore) SetOperatorReporter(r OperatorReporter) {
	n.operator = r
}

// Cache exposes the underlying keyword cache for the status API.
func (n *NotificationStore) Cache() *KeywordCache {
	return n.cache
}

// reportStoreError logs an unexpected store error and forwards it to the
// operator channel. The in-memory cache is left as-is; the next cold
// read resynchronizes it.
func (n *NotificationStore) reportStoreError(
	ctx context.Context,
	op string,
	err error,
) {
	n.logger.Error("store error", "op", op, tint.Err(err))
	if n.operator != nil {
		n.operator.ReportOperator(
			ctx,
			fmt.Sprintf("store error during %s: %s", op, err.Error()),
		)
	}
}

// GetGuildWords returns the guild's user ID to keyword mapping. On cache
// miss, it issues one store lookup, populates the cache, and returns the
// cached view. A cache hit counts as a usage hit for the guild.
func (n *NotificationStore) GetGuildWords(
	ctx context.Context,
	guildID string,
) (map[string][]string, error) {
	if !n.cache.HasGuild(guildID) {
		rows, err := n.store.GuildKeywords(ctx, guildID)
		if err != nil {
			n.reportStoreError(ctx, "get_guild_words", err)
			return nil, err
		}
		n.cache.PopulateGuild(guildID, rows)
	}
	return n.cache.GuildWords(guildID), nil
}

// RegisterGuild is called once when the bot joins a new guild: every
// current member who already owns keywords gets a membership row. The
// cache is deliberately untouched; it populates lazily on the guild's
// first message.
func (n *NotificationStore) RegisterGuild(
	ctx context.Context,
	guildID string,
	memberIDs []string,
) error {
	owners, err := n.store.KeywordOwners(ctx)
	if err != nil {
		n.reportStoreError(ctx, "register_guild", err)
		return err
	}
	ownerSet := make(map[string]struct{}, len(owners))
	for _, id := range owners {
		ownerSet[id] = struct{}{}
	}

	var errs []error
	for _, memberID := range memberIDs {
		if _, ok := ownerSet[memberID]; !ok {
			continue
		}
		if insertErr := n.store.InsertMembership(ctx, guildID, memberID); insertErr != nil {
			n.reportStoreError(ctx, "register_guild", insertErr)
			errs = append(errs, insertErr)
		}
	}
	return errors.Join(errs...)
}

// DeregisterGuild removes all membership rows for the guild, then evicts
// it from the cache.
func (n *NotificationStore) DeregisterGuild(
	ctx context.Context,
	guildID string,
) error {
	if err := n.store.DeleteGuildMemberships(ctx, guildID); err != nil {
		n.reportStoreError(ctx, "deregister_guild", err)
		return err
	}
	n.cache.EvictGuild(guildID)
	return nil
}

// RegisterMember handles a member joining a guild the bot is in. A member
// with no keywords anywhere is ignored; only the word-add flow creates
// users. An existing keyword owner gets a membership row, then is linked
// into the guild's cache entry: by identity if already cached elsewhere,
// otherwise injected with words fetched from the store.
func (n *NotificationStore) RegisterMember(
	ctx context.Context,
	guildID string,
	memberID string,
) error {
	isNew, err := n.IsNewUser(ctx, memberID)
	if err != nil {
		return err
	}
	if isNew {
		return nil
	}

	if err = n.store.InsertMembership(ctx, guildID, memberID); err != nil {
		n.reportStoreError(ctx, "register_member", err)
		return err
	}

	if n.cache.HasUser(memberID) {
		n.cache.AddGuildMember(guildID, memberID)
		return nil
	}
	words, err := n.GetWords(ctx, memberID)
	if err != nil {
		return err
	}
	n.cache.AddUserToGuilds([]string{guildID}, memberID, words)
	return nil
}

// DeregisterMember handles a member leaving a guild. The row is deleted
// unconditionally; deleting a non-existent row is a safe no-op.
func (n *NotificationStore) DeregisterMember(
	ctx context.Context,
	guildID string,
	memberID string,
) error {
	if err := n.store.DeleteMembership(ctx, guildID, memberID); err != nil {
		n.reportStoreError(ctx, "deregister_member", err)
		return err
	}
	n.cache.RemoveGuildMember(guildID, memberID)
	return nil
}

// GetWords returns a user's keywords, cache-first. A miss queries the
// store directly without warming any guild-level cache entry.
func (n *NotificationStore) GetWords(
	ctx context.Context,
	userID string,
) ([]string, error) {
	if words, ok := n.cache.UserWords(userID); ok {
		return words, nil
	}
	words, err := n.store.UserKeywords(ctx, userID)
	if err != nil {
		n.reportStoreError(ctx, "get_words", err)
		return nil, err
	}
	return words, nil
}

// AddWords inserts each word for the user, swallowing duplicate-key
// conflicts, then applies the add to the cache for the words the store
// accepted. Words the store rejected never reach the cache. A brand-new
// user must be registered via RegisterNewUser first.
func (n *NotificationStore) AddWords(
	ctx context.Context,
	userID string,
	words []string,
) error {
	var errs []error
	accepted := make([]string, 0, len(words))
	for _, word := range words {
		insertErr := n.store.InsertKeyword(ctx, userID, word)
		if insertErr == nil || errors.Is(insertErr, ErrDuplicateKeyword) {
			accepted = append(accepted, word)
			continue
		}
		n.reportStoreError(ctx, "add_words", insertErr)
		errs = append(errs, insertErr)
	}

	n.cache.AddWords(userID, accepted)
	return errors.Join(errs...)
}

// RemoveWords deletes each word row, applies the removal to the cache
// for the words the store accepted, then applies the empty-user cleanup
// rule: a user left with zero keywords loses all membership rows and
// every cache slot, ceasing to exist until they add a new keyword. A
// failed delete leaves its word in both the store and the cache, and
// suppresses the cleanup check until a later removal succeeds.
func (n *NotificationStore) RemoveWords(
	ctx context.Context,
	userID string,
	words []string,
) error {
	var errs []error
	removed := make([]string, 0, len(words))
	for _, word := range words {
		deleteErr := n.store.DeleteKeyword(ctx, userID, word)
		if deleteErr != nil {
			n.reportStoreError(ctx, "remove_words", deleteErr)
			errs = append(errs, deleteErr)
			continue
		}
		removed = append(removed, word)
	}

	remaining := n.cache.RemoveWords(userID, removed)
	if len(errs) > 0 {
		// the store still holds every word whose delete failed, so the
		// user can't be empty
		return errors.Join(errs...)
	}

	empty := remaining == 0
	if remaining < 0 {
		// user isn't cached; check emptiness against the store
		hasKeywords, err := n.store.HasKeywords(ctx, userID)
		if err != nil {
			n.reportStoreError(ctx, "remove_words", err)
			return err
		}
		empty = !hasKeywords
	}

	if empty {
		if err := n.store.DeleteUserMemberships(ctx, userID); err != nil {
			n.reportStoreError(ctx, "remove_words", err)
			return err
		}
		n.cache.DeleteUser(userID)
		n.logger.Debug("dropped empty user", "user_id", userID)
	}
	return nil
}

// IsNewUser reports whether the user is unknown: not cached anywhere and
// no membership row in the store.
func (n *NotificationStore) IsNewUser(
	ctx context.Context,
	userID string,
) (bool, error) {
	if n.cache.HasUser(userID) {
		return false, nil
	}
	exists, err := n.store.HasMembership(ctx, userID)
	if err != nil {
		n.reportStoreError(ctx, "is_new_user", err)
		return false, err
	}
	return !exists, nil
}

// RegisterNewUser inserts a membership row for every guild the user
// currently belongs to, then caches the user with an empty word set.
// Always called immediately before the user's first AddWords.
func (n *NotificationStore) RegisterNewUser(
	ctx context.Context,
	guildIDs []string,
	userID string,
) error {
	var errs []error
	for _, guildID := range guildIDs {
		if err := n.store.InsertMembership(ctx, guildID, userID); err != nil {
			n.reportStoreError(ctx, "register_new_user", err)
			errs = append(errs, err)
		}
	}
	n.cache.AddUserToGuilds(guildIDs, userID, nil)
	return errors.Join(errs...)
}
