// Package platform provides the primitives a browser gives a page and its
// service worker: cache storage, the push manager, the notification tray,
// window clients, notification permission and the worker container.
//
// The page (internal/session) and the worker (internal/worker) share no
// memory; everything they both see lives in the storage.Store behind this
// package.
package platform

import (
	"errors"
	"net/http"
	"time"

	"keptpush/internal/storage"
	"keptpush/internal/webpush"
	"keptpush/pkg/logx"
)

var (
	// ErrInvalidState is returned by Subscribe when a subscription with a
	// different application server key already exists.
	ErrInvalidState = errors.New("platform: invalid state")
	// ErrGone means a push endpoint no longer has a subscription.
	ErrGone = errors.New("platform: subscription gone")
	// ErrKeyMismatch means a push message was signed by a key other than the
	// one the subscription was created with.
	ErrKeyMismatch = webpush.ErrKeyMismatch
	// ErrNotSupported is returned when a capability is switched off.
	ErrNotSupported = errors.New("platform: not supported")
)

// Capabilities describes what the host supports.
type Capabilities struct {
	Notifications bool
	Workers       bool
}

type Options struct {
	Caps Capabilities
	// Origin is the page origin; permission is recorded per origin.
	Origin string
	// AssetOrigin is where uncached requests and manifest URLs are fetched.
	AssetOrigin string
	// PublicURL is the externally reachable base of the gateway; push
	// endpoints live under it.
	PublicURL    string
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	Prompter     Prompter
	Opener       Opener
	// ReadyPoll is how often Container.Ready re-reads the registration.
	ReadyPoll time.Duration
}

// Platform bundles the primitives over one store.
type Platform struct {
	Caps        Capabilities
	Store       storage.Store
	Caches      *CacheStorage
	Clients     *Clients
	Permissions *Permissions
	Container   *Container
	Inbox       *Inbox
	Tray        *Tray
}

func New(st storage.Store, opts Options, log logx.Logger) *Platform {
	if log.IsZero() {
		log = logx.Nop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.FetchTimeout}
	}
	tray := &Tray{store: st, log: log.With(logx.String("comp", "tray"))}
	return &Platform{
		Caps:        opts.Caps,
		Store:       st,
		Caches:      NewCacheStorage(st, opts.AssetOrigin, client),
		Clients:     NewClients(opts.Opener, log),
		Permissions: NewPermissions(st, opts.Origin, opts.Caps.Notifications, opts.Prompter),
		Container: &Container{
			store:     st,
			caps:      opts.Caps,
			publicURL: opts.PublicURL,
			tray:      tray,
			poll:      opts.ReadyPoll,
			log:       log.With(logx.String("comp", "container")),
		},
		Inbox: &Inbox{store: st, now: time.Now},
		Tray:  tray,
	}
}
