// Package session is the page side of push notifications: it registers the
// worker, fetches the server's VAPID key, negotiates permission, keeps one
// push subscription registered with the server and runs test deliveries.
//
// All state lives in a Session value built by New and torn down by Close.
// Nothing is shared with the worker except through the platform.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"keptpush/internal/eventbus"
	"keptpush/internal/platform"
	"keptpush/pkg/logx"
)

var ErrClosed = errors.New("session: closed")

type Options struct {
	Caps      platform.Capabilities
	Scope     string
	Script    string
	OpTimeout time.Duration

	// MismatchMarkers are matched, case-insensitively, against the test
	// endpoint's error text.
	MismatchMarkers []string
	Notice          Notice

	// CheckOnStart subscribes during Start when permission is already granted.
	CheckOnStart bool
}

// Status is a snapshot for the control surface.
type Status struct {
	State      State               `json:"state"`
	Permission platform.Permission `json:"permission,omitempty"`
	Endpoint   string              `json:"endpoint,omitempty"`
	HasKey     bool                `json:"hasKey"`
}

type Session struct {
	Keys        *VapidKeys
	Coordinator *Coordinator
	Delivery    *TestDelivery

	perms        Permissions
	checkOnStart bool
	log          logx.Logger
	closed       atomic.Bool
}

func New(p *platform.Platform, api API, bus eventbus.Bus, opts Options, log logx.Logger) *Session {
	return newSession(p.Container, p.Permissions, api, bus, opts, log)
}

func newSession(container Container, perms Permissions, api API, bus eventbus.Bus, opts Options, log logx.Logger) *Session {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "session"))
	keys := NewVapidKeys(api, log)
	coord := newCoordinator(container, perms, keys, api, bus, opts, log)
	return &Session{
		Keys:         keys,
		Coordinator:  coord,
		Delivery:     newTestDelivery(coord, api, opts.MismatchMarkers, opts.Notice, log),
		perms:        perms,
		checkOnStart: opts.CheckOnStart,
		log:          log,
	}
}

// Start registers the worker, fetches the key and, when configured, probes
// permission. The probe runs even if registration failed; the registration
// error is returned.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.Coordinator.disabled() {
		s.log.Info("push notifications not supported; session disabled")
		return nil
	}
	regErr := s.Coordinator.RegisterWorker(ctx)
	if regErr != nil {
		s.log.Error("worker registration failed", logx.Err(regErr))
	} else if !s.Coordinator.FetchKey(ctx) {
		s.log.Warn("vapid key not available yet")
	}
	if s.checkOnStart {
		if err := s.Coordinator.CheckPermission(ctx); err != nil {
			s.log.Warn("permission check failed", logx.Err(err))
		}
	}
	return regErr
}

// Close ends the session. Later calls return ErrClosed.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.Keys.Reset()
	s.log.Debug("session closed")
}

func (s *Session) guard(op string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.Coordinator.disabled() {
		s.log.Debug("session disabled; ignoring call", logx.String("op", op))
		return ErrDisabled
	}
	return nil
}

// Subscribe creates and registers a fresh subscription. On a disabled
// session it does nothing.
func (s *Session) Subscribe(ctx context.Context) (*platform.Subscription, error) {
	if err := s.guard("subscribe"); err != nil {
		return nil, ignoreDisabled(err)
	}
	return s.Coordinator.Subscribe(ctx)
}

func (s *Session) CheckPermission(ctx context.Context) error {
	if err := s.guard("check_permission"); err != nil {
		return ignoreDisabled(err)
	}
	return s.Coordinator.CheckPermission(ctx)
}

// RequestPermission prompts for permission. A disabled session reports
// "default" without prompting.
func (s *Session) RequestPermission(ctx context.Context) (platform.Permission, error) {
	if err := s.guard("request_permission"); err != nil {
		return platform.PermissionDefault, ignoreDisabled(err)
	}
	return s.Coordinator.RequestPermission(ctx)
}

func (s *Session) SendTest(ctx context.Context) error {
	if err := s.guard("send_test"); err != nil {
		return ignoreDisabled(err)
	}
	return s.Delivery.Send(ctx)
}

func (s *Session) Status(ctx context.Context) Status {
	st := Status{State: s.Coordinator.State()}
	if st.State == StateDisabled {
		return st
	}
	if perm, err := s.perms.State(ctx); err == nil {
		st.Permission = perm
	}
	if sub := s.Coordinator.Subscription(); sub != nil {
		st.Endpoint = sub.Endpoint
	}
	_, st.HasKey = s.Keys.cached()
	return st
}

func ignoreDisabled(err error) error {
	if errors.Is(err, ErrDisabled) {
		return nil
	}
	return err
}
