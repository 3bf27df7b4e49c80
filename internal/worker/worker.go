// Package worker is the background context: it installs and activates
// versioned asset caches, answers intercepted requests from them, displays
// push messages and routes notification clicks back to the app.
//
// Push and click events are handled one at a time, in arrival order, and only
// once a version is active.
package worker

import (
	"errors"
	"time"
)

var (
	ErrNotActive           = errors.New("worker: no active version")
	ErrUnknownScope        = errors.New("worker: no worker for scope")
	ErrUnknownNotification = errors.New("worker: unknown notification")
	ErrStopped             = errors.New("worker: event loop stopped")
	ErrNeedsDeploy         = errors.New("worker: settings change needs a deployment")
)

// Settings describes one deployable worker version and its behavior.
type Settings struct {
	Scope    string
	Script   string
	Version  string
	Manifest []string

	// RootURL is the window opened when a notification is clicked.
	RootURL string

	Defaults Defaults

	// OpTimeout bounds every lifecycle, push and click operation.
	OpTimeout time.Duration
	QueueSize int
}

func (s Settings) opTimeout() time.Duration {
	if s.OpTimeout <= 0 {
		return 30 * time.Second
	}
	return s.OpTimeout
}

// Defaults fill in missing push payload fields.
type Defaults struct {
	Title string
	Body  string
	Icon  string
	Tag   string
}
