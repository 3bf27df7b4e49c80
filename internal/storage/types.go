package storage

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrDisabled is returned by every method of a closed store.
	ErrDisabled = errors.New("storage disabled")
	// ErrNoCache is returned when writing entries to a cache that does not exist.
	ErrNoCache = errors.New("cache does not exist")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default): nothing survives the process
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CacheEntry is one stored response, keyed by request URL (path + query).
type CacheEntry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Registration is the worker registration record for a scope.
type Registration struct {
	Scope     string
	Script    string
	Version   string
	State     string
	UpdatedAt time.Time
}

// Subscription is a push subscription record. PrivateKey is the subscription's
// ECDH key and is stored as-is.
type Subscription struct {
	ID                   string
	Scope                string
	Endpoint             string
	P256dh               []byte
	Auth                 []byte
	PrivateKey           []byte
	ApplicationServerKey []byte
	CreatedAt            time.Time
}

// Notification is a displayed notification in the tray.
type Notification struct {
	ID                 string
	Scope              string
	Tag                string
	Title              string
	Body               string
	Icon               string
	Badge              string
	Data               []byte // raw JSON
	RequireInteraction bool
	CreatedAt          time.Time
}
