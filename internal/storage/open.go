package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"keptpush/pkg/logx"
)

// Store is the persistence API used by the platform layer.
type Store interface {
	// CreateCache creates the named cache if absent and reports whether it was created.
	CreateCache(ctx context.Context, name string) (bool, error)
	ListCaches(ctx context.Context) ([]string, error)
	DeleteCache(ctx context.Context, name string) (bool, error)
	// PutEntries writes all entries into an existing cache in one transaction.
	PutEntries(ctx context.Context, cache string, entries []CacheEntry) error
	// MatchEntry looks url up in cache, or in every cache (oldest first) when cache is empty.
	MatchEntry(ctx context.Context, cache, url string) (CacheEntry, bool, error)
	ListEntries(ctx context.Context, cache string) ([]string, error)

	PutRegistration(ctx context.Context, r Registration) error
	GetRegistration(ctx context.Context, scope string) (Registration, bool, error)

	// PutSubscription replaces the subscription of s.Scope.
	PutSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, scope string) (Subscription, bool, error)
	GetSubscriptionByID(ctx context.Context, id string) (Subscription, bool, error)
	DeleteSubscription(ctx context.Context, scope string) (bool, error)

	PutNotification(ctx context.Context, n Notification) error
	GetNotification(ctx context.Context, id string) (Notification, bool, error)
	// ListNotifications returns the scope's notifications oldest first; an empty tag matches all.
	ListNotifications(ctx context.Context, scope, tag string) ([]Notification, error)
	DeleteNotification(ctx context.Context, id string) (bool, error)
	// ExpireNotifications deletes notifications created before cutoff that do
	// not require interaction and returns their ids.
	ExpireNotifications(ctx context.Context, cutoff time.Time) ([]string, error)

	GetPermission(ctx context.Context, origin string) (string, bool, error)
	PutPermission(ctx context.Context, origin, state string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
