package worker

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"keptpush/internal/eventbus"
	"keptpush/internal/metrics"
	"keptpush/internal/platform"
	"keptpush/pkg/logx"
)

// StateRecorder persists registration state. *platform.Container implements it.
type StateRecorder interface {
	SetState(ctx context.Context, scope, script, version, state string) error
}

// Runtime hosts one worker registration: it deploys versions and runs the
// serial push/click event loop.
type Runtime struct {
	lifecycle *Lifecycle
	tray      Tray
	windows   WindowOpener
	states    StateRecorder
	bus       eventbus.Bus
	log       logx.Logger

	// deployMu serializes install+activate.
	deployMu sync.Mutex
	settings atomic.Pointer[Settings]
	active   atomic.Pointer[string]

	gateOnce sync.Once
	gate     chan struct{}

	events  chan event
	stopped chan struct{}
	runOnce sync.Once
}

type event struct {
	push    *PushEvent
	clickID string
	done    chan eventResult
}

type eventResult struct {
	push Result
	err  error
}

func NewRuntime(p *platform.Platform, s Settings, bus eventbus.Bus, log logx.Logger) *Runtime {
	return newRuntime(p.Caches, p.Clients, p.Tray, p.Container, s, bus, log)
}

func newRuntime(caches CacheStorage, clients interface {
	Claimer
	WindowOpener
}, tray Tray, states StateRecorder, s Settings, bus eventbus.Bus, log logx.Logger) *Runtime {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "worker"))
	q := s.QueueSize
	if q <= 0 {
		q = 64
	}
	r := &Runtime{
		lifecycle: NewLifecycle(caches, clients, log),
		tray:      tray,
		windows:   clients,
		states:    states,
		bus:       bus,
		log:       log,
		gate:      make(chan struct{}),
		events:    make(chan event, q),
		stopped:   make(chan struct{}),
	}
	r.settings.Store(&s)
	return r
}

// ActiveVersion returns the version in control, or "".
func (r *Runtime) ActiveVersion() string {
	if v := r.active.Load(); v != nil {
		return *v
	}
	return ""
}

func (r *Runtime) Settings() Settings { return *r.settings.Load() }

// Reconfigure swaps notification defaults, the click target and timeouts
// without a deployment. Anything that changes what is cached needs Deploy.
func (r *Runtime) Reconfigure(s Settings) error {
	cur := r.Settings()
	if s.Version != cur.Version || s.Scope != cur.Scope || s.Script != cur.Script || !slices.Equal(s.Manifest, cur.Manifest) {
		return ErrNeedsDeploy
	}
	r.settings.Store(&s)
	return nil
}

// Ensure deploys the configured version for scope unless it is already active.
func (r *Runtime) Ensure(ctx context.Context, scope, script string) error {
	s := r.Settings()
	if scope != s.Scope {
		return fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	if s.Script != "" && script != s.Script {
		return fmt.Errorf("%w: script %s", ErrUnknownScope, script)
	}
	if r.ActiveVersion() == s.Version {
		return nil
	}
	return r.Deploy(ctx, s)
}

// Deploy installs and activates s.Version. The previous version stays in
// control if installation fails. Once started, a deployment is not
// cancelled by ctx; it is bounded by s.OpTimeout.
func (r *Runtime) Deploy(ctx context.Context, s Settings) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout())
	defer cancel()

	r.deployMu.Lock()
	defer r.deployMu.Unlock()

	prev := r.ActiveVersion()
	log := r.log.With(logx.String("version", s.Version), logx.String("previous", prev))
	// While a version is in control the registration record stays on it,
	// so pages keep working until the new version activates.
	setState := func(state string) {
		if prev == "" || state == platform.StateActivated {
			if err := r.states.SetState(ctx, s.Scope, s.Script, s.Version, state); err != nil {
				log.Warn("record worker state failed", logx.String("state", state), logx.Err(err))
			}
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.WorkerState, Data: eventbus.StateChange{Subject: s.Version, To: state}})
	}

	setState(platform.StateInstalling)
	if err := r.lifecycle.Install(ctx, s.Version, s.Manifest); err != nil {
		log.Error("worker install failed", logx.Err(err))
		if s.Version != prev {
			if _, derr := r.lifecycle.caches.Delete(ctx, s.Version); derr != nil {
				log.Warn("discard failed cache", logx.Err(derr))
			}
		}
		setState(platform.StateRedundant)
		metrics.RecordDeployment("install_failed", s.Version, prev)
		return err
	}
	setState(platform.StateInstalled)

	// Skip waiting: a new version takes over as soon as it is installed.
	setState(platform.StateActivating)
	deleted, err := r.lifecycle.Activate(ctx, s.Version)
	if err != nil {
		log.Error("worker activation failed", logx.Err(err))
		setState(platform.StateRedundant)
		metrics.RecordDeployment("activate_failed", s.Version, prev)
		return err
	}
	if len(deleted) > 0 {
		metrics.RecordCachesDeleted(len(deleted))
		r.bus.Publish(eventbus.Event{Type: eventbus.CachesDeleted, Data: deleted})
	}

	r.settings.Store(&s)
	v := s.Version
	r.active.Store(&v)
	setState(platform.StateActivated)
	r.gateOnce.Do(func() { close(r.gate) })
	metrics.RecordDeployment("activated", s.Version, prev)
	return nil
}

// Run processes push and click events in order until ctx is done. Events wait
// for the first activation.
func (r *Runtime) Run(ctx context.Context) error {
	started := false
	r.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("worker: event loop already running")
	}
	defer close(r.stopped)

	select {
	case <-ctx.Done():
		return nil
	case <-r.gate:
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			ev.done <- r.handle(ctx, ev)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, ev event) (res eventResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Settings().opTimeout())
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("worker event panicked", logx.Any("panic", p))
			res = eventResult{err: fmt.Errorf("worker event panic: %v", p)}
		}
	}()

	// Handlers read the active settings, so a redeploy changes defaults and
	// the click target for the next event.
	if ev.push != nil {
		pr := NewPushHandler(r.tray, r.Settings().Defaults, r.log).Handle(ctx, *ev.push)
		r.bus.Publish(eventbus.Event{Type: eventbus.PushHandled, Data: pr})
		return eventResult{push: pr}
	}
	click := NewClickRouter(r.tray, r.windows, r.Settings().RootURL, r.log)
	err := click.Handle(ctx, ev.clickID)
	if err == nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.NotificationClick, Data: ev.clickID})
	}
	return eventResult{err: err}
}

func (r *Runtime) enqueue(ctx context.Context, ev event) (eventResult, error) {
	select {
	case r.events <- ev:
	case <-r.stopped:
		return eventResult{}, ErrStopped
	case <-ctx.Done():
		return eventResult{}, ctx.Err()
	}
	select {
	case res := <-ev.done:
		return res, nil
	case <-r.stopped:
		return eventResult{}, ErrStopped
	case <-ctx.Done():
		return eventResult{}, ctx.Err()
	}
}

// DispatchPush queues a push event and waits for its result. The event is
// still handled if ctx ends first.
func (r *Runtime) DispatchPush(ctx context.Context, ev PushEvent) (Result, error) {
	res, err := r.enqueue(ctx, event{push: &ev, done: make(chan eventResult, 1)})
	if err != nil {
		return Result{}, err
	}
	return res.push, res.err
}

// DispatchClick queues a notification click and waits for it to be routed.
func (r *Runtime) DispatchClick(ctx context.Context, id string) error {
	res, err := r.enqueue(ctx, event{clickID: id, done: make(chan eventResult, 1)})
	if err != nil {
		return err
	}
	return res.err
}

// Fetch answers an intercepted request once a version is active.
func (r *Runtime) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case <-r.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	resp, hit, err := r.lifecycle.Fetch(ctx, req)
	switch {
	case err != nil:
		metrics.RecordFetch("error")
	case hit:
		metrics.RecordFetch("cache")
	default:
		metrics.RecordFetch("network")
	}
	return resp, err
}
