package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keptpush/internal/storage"
	"keptpush/pkg/logx"
)

// Worker registration states.
const (
	StateInstalling = "installing"
	StateInstalled  = "installed"
	StateActivating = "activating"
	StateActivated  = "activated"
	StateRedundant  = "redundant"
)

// Installer brings a worker for scope up. The worker runtime implements it.
type Installer interface {
	Ensure(ctx context.Context, scope, script string) error
}

// Registration is a handle on a worker registration.
type Registration struct {
	Scope   string
	Script  string
	Version string
	State   string

	push *PushManager
	tray *Tray
}

func (r *Registration) PushManager() *PushManager { return r.push }

// ShowNotification displays a notification owned by this registration.
func (r *Registration) ShowNotification(ctx context.Context, title string, opts NotificationOptions) (Notification, error) {
	return r.tray.Show(ctx, r.Scope, title, opts)
}

// Notifications lists this registration's notifications with tag.
func (r *Registration) Notifications(ctx context.Context, tag string) ([]Notification, error) {
	return r.tray.List(ctx, r.Scope, tag)
}

func (r *Registration) CloseNotification(ctx context.Context, id string) (bool, error) {
	return r.tray.Close(ctx, id)
}

// Container registers workers and hands out registrations.
type Container struct {
	store     storage.Store
	caps      Capabilities
	publicURL string
	tray      *Tray
	poll      time.Duration
	log       logx.Logger

	mu        sync.RWMutex
	installer Installer
}

// Bind attaches the worker runtime. Register fails until it is bound.
func (c *Container) Bind(in Installer) {
	c.mu.Lock()
	c.installer = in
	c.mu.Unlock()
}

// Register records a registration for scope and asks the worker runtime to
// bring it up. It does not wait for activation; use Ready for that.
func (c *Container) Register(ctx context.Context, script, scope string) (*Registration, error) {
	if !c.caps.Workers {
		return nil, fmt.Errorf("register worker: %w", ErrNotSupported)
	}
	c.mu.RLock()
	in := c.installer
	c.mu.RUnlock()
	if in == nil {
		return nil, errors.New("register worker: no worker runtime")
	}
	if err := in.Ensure(ctx, scope, script); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", script, err)
	}
	reg, ok, err := c.Registration(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("register worker %s: no registration recorded", script)
	}
	return reg, nil
}

// Ready waits until the registration for scope is activated.
func (c *Container) Ready(ctx context.Context, scope string) (*Registration, error) {
	poll := c.poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		reg, ok, err := c.Registration(ctx, scope)
		if err != nil {
			return nil, err
		}
		if ok && reg.State == StateActivated {
			return reg, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("worker ready: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// SetState records a lifecycle transition of the worker serving scope.
func (c *Container) SetState(ctx context.Context, scope, script, version, state string) error {
	return c.store.PutRegistration(ctx, storage.Registration{
		Scope:   scope,
		Script:  script,
		Version: version,
		State:   state,
	})
}

// Registration returns the current registration for scope, if any.
func (c *Container) Registration(ctx context.Context, scope string) (*Registration, bool, error) {
	rec, ok, err := c.store.GetRegistration(ctx, scope)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Registration{
		Scope:   rec.Scope,
		Script:  rec.Script,
		Version: rec.Version,
		State:   rec.State,
		push:    &PushManager{store: c.store, scope: rec.Scope, publicURL: c.publicURL},
		tray:    c.tray,
	}, true, nil
}
