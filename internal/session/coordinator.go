package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"keptpush/internal/apiclient"
	"keptpush/internal/eventbus"
	"keptpush/internal/metrics"
	"keptpush/internal/platform"
	"keptpush/internal/webpush"
	"keptpush/pkg/logx"
)

var (
	ErrNoVapidKey = errors.New("session: vapid key unavailable")
	ErrDisabled   = errors.New("session: push notifications not supported")
)

type State string

const (
	StateUninitialized     State = "uninitialized"
	StateWorkerRegistering State = "worker-registering"
	StateWorkerReady       State = "worker-ready"
	StateKeyFetched        State = "key-fetched"
	StateSubscribing       State = "subscribing"
	StateSubscribed        State = "subscribed"
	StateInvalidated       State = "invalidated"
	StateResubscribing     State = "resubscribing"
	StateDisabled          State = "disabled"
)

// API is the part of the Kept API the session uses.
type API interface {
	KeySource
	Subscribe(ctx context.Context, sub apiclient.SubscribeRequest) error
	Unsubscribe(ctx context.Context, endpoint string) error
	SendTest(ctx context.Context) (apiclient.TestPayload, error)
}

// Container registers the worker and hands out the ready registration.
type Container interface {
	Register(ctx context.Context, script, scope string) (*platform.Registration, error)
	Ready(ctx context.Context, scope string) (*platform.Registration, error)
}

// Permissions is the notification permission of the page's origin.
type Permissions interface {
	State(ctx context.Context) (platform.Permission, error)
	Request(ctx context.Context) (platform.Permission, error)
}

// Coordinator drives the page's push subscription: worker registration, key
// fetch, subscribe and invalidation.
type Coordinator struct {
	container Container
	perms     Permissions
	keys      *VapidKeys
	api       API
	bus       eventbus.Bus
	log       logx.Logger

	scope     string
	script    string
	opTimeout time.Duration

	// flight collapses concurrent Subscribe calls; opMu orders subscribe
	// against invalidate.
	flight singleflight.Group
	opMu   sync.Mutex

	mu         sync.RWMutex
	state      State
	sub        *platform.Subscription
	subscribed bool // a subscription was registered at least once
}

func newCoordinator(container Container, perms Permissions, keys *VapidKeys, api API, bus eventbus.Bus, opts Options, log logx.Logger) *Coordinator {
	c := &Coordinator{
		container: container,
		perms:     perms,
		keys:      keys,
		api:       api,
		bus:       bus,
		log:       log,
		scope:     opts.Scope,
		script:    opts.Script,
		opTimeout: opts.OpTimeout,
		state:     StateUninitialized,
	}
	if !opts.Caps.Notifications || !opts.Caps.Workers {
		c.state = StateDisabled
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscription returns the subscription registered by the last successful
// Subscribe, or nil.
func (c *Coordinator) Subscription() *platform.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sub == nil {
		return nil
	}
	cp := *c.sub
	return &cp
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.log.Debug("subscription state", logx.String("from", string(from)), logx.String("to", string(to)))
	c.bus.Publish(eventbus.Event{Type: eventbus.SubscriptionState, Data: eventbus.StateChange{Subject: c.scope, From: string(from), To: string(to)}})
}

func (c *Coordinator) disabled() bool { return c.State() == StateDisabled }

func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	d := c.opTimeout
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// RegisterWorker registers the worker for the root scope and waits until it
// is ready. A failed registration is returned and not retried.
func (c *Coordinator) RegisterWorker(ctx context.Context) error {
	if c.disabled() {
		return ErrDisabled
	}
	c.setState(StateWorkerRegistering)
	if _, err := c.container.Register(ctx, c.script, c.scope); err != nil {
		c.setState(StateUninitialized)
		return fmt.Errorf("register worker: %w", err)
	}
	if _, err := c.container.Ready(ctx, c.scope); err != nil {
		c.setState(StateUninitialized)
		return fmt.Errorf("register worker: %w", err)
	}
	c.setState(StateWorkerReady)
	c.log.Info("worker ready", logx.String("scope", c.scope))
	return nil
}

// FetchKey loads the VAPID key. A missing key is not an error here; Subscribe
// checks again.
func (c *Coordinator) FetchKey(ctx context.Context) bool {
	if c.disabled() {
		return false
	}
	if _, ok := c.keys.Get(ctx); !ok {
		return false
	}
	c.mu.Lock()
	advance := c.state == StateWorkerReady
	c.mu.Unlock()
	if advance {
		c.setState(StateKeyFetched)
	}
	return true
}

// Subscribe replaces any existing platform subscription with a fresh one made
// with the current key and registers it with the server. At most one
// subscribe runs at a time; concurrent callers share its result. A started
// subscribe is not cancelled by ctx.
func (c *Coordinator) Subscribe(ctx context.Context) (*platform.Subscription, error) {
	if c.disabled() {
		return nil, ErrDisabled
	}
	v, err, shared := c.flight.Do("subscribe", func() (any, error) {
		ctx, cancel := c.detached(ctx)
		defer cancel()
		return c.subscribe(ctx)
	})
	if shared {
		c.log.Debug("joined in-flight subscribe")
	}
	if err != nil {
		return nil, err
	}
	sub := *v.(*platform.Subscription)
	return &sub, nil
}

func (c *Coordinator) subscribe(ctx context.Context) (_ *platform.Subscription, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	prev := c.State()
	defer func() {
		if err != nil {
			c.log.Error("push subscribe failed", logx.Err(err))
			c.setState(settle(prev))
		}
	}()

	key, ok := c.keys.Get(ctx)
	if !ok {
		metrics.RecordSubscribe("no_key")
		return nil, ErrNoVapidKey
	}

	c.mu.RLock()
	again := c.subscribed || prev == StateInvalidated
	c.mu.RUnlock()
	if again {
		c.setState(StateResubscribing)
	} else {
		c.setState(StateSubscribing)
	}

	reg, err := c.container.Ready(ctx, c.scope)
	if err != nil {
		metrics.RecordSubscribe("not_ready")
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	pm := reg.PushManager()
	existing, err := pm.GetSubscription(ctx)
	if err != nil {
		metrics.RecordSubscribe("platform_error")
		return nil, fmt.Errorf("subscribe: get subscription: %w", err)
	}
	// A subscription made under an older key is rejected by the provider
	// without a visible error, so it is never reused.
	if existing != nil {
		if _, err := pm.Unsubscribe(ctx); err != nil {
			metrics.RecordSubscribe("platform_error")
			return nil, fmt.Errorf("subscribe: drop existing: %w", err)
		}
		c.log.Debug("dropped existing subscription", logx.String("endpoint", existing.Endpoint))
	}
	c.mu.Lock()
	c.sub = nil
	c.mu.Unlock()

	sub, err := pm.Subscribe(ctx, platform.SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key.Bytes})
	if err != nil {
		metrics.RecordSubscribe("platform_error")
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	err = c.api.Subscribe(ctx, apiclient.SubscribeRequest{
		Endpoint: sub.Endpoint,
		P256dh:   webpush.Encode(sub.P256dh),
		Auth:     webpush.Encode(sub.Auth),
	})
	if err != nil {
		metrics.RecordSubscribe("server_error")
		return nil, fmt.Errorf("subscribe: register with server: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.subscribed = true
	c.mu.Unlock()
	c.setState(StateSubscribed)
	metrics.RecordSubscribe("subscribed")
	c.log.Info("push subscribed", logx.String("endpoint", sub.Endpoint))
	return sub, nil
}

// settle is the state a failed subscribe falls back to.
func settle(prev State) State {
	switch prev {
	case StateSubscribing, StateResubscribing, StateSubscribed:
		return StateKeyFetched
	default:
		return prev
	}
}

// Invalidate drops the current subscription locally and tells the server to
// forget it. No replacement is created.
func (c *Coordinator) Invalidate(ctx context.Context) error {
	if c.disabled() {
		return ErrDisabled
	}
	ctx, cancel := c.detached(ctx)
	defer cancel()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	reg, err := c.container.Ready(ctx, c.scope)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	pm := reg.PushManager()
	cur, err := pm.GetSubscription(ctx)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	if cur != nil {
		if _, err := pm.Unsubscribe(ctx); err != nil {
			return fmt.Errorf("invalidate: %w", err)
		}
		if err := c.api.Unsubscribe(ctx, cur.Endpoint); err != nil {
			c.log.Warn("server unsubscribe failed", logx.String("endpoint", cur.Endpoint), logx.Err(err))
		}
	}

	c.mu.Lock()
	c.sub = nil
	c.mu.Unlock()
	c.setState(StateInvalidated)
	metrics.RecordInvalidation()
	c.log.Warn("push subscription invalidated")
	return nil
}

// CheckPermission subscribes when permission is already granted. It never
// prompts.
func (c *Coordinator) CheckPermission(ctx context.Context) error {
	if c.disabled() {
		return ErrDisabled
	}
	perm, err := c.perms.State(ctx)
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if perm != platform.PermissionGranted {
		c.log.Debug("permission not granted", logx.String("permission", string(perm)))
		return nil
	}
	_, err = c.Subscribe(ctx)
	return err
}

// RequestPermission prompts once and subscribes on grant. The permission is
// returned even when the subscribe fails.
func (c *Coordinator) RequestPermission(ctx context.Context) (platform.Permission, error) {
	if c.disabled() {
		return "", ErrDisabled
	}
	perm, err := c.perms.Request(ctx)
	if err != nil {
		return "", fmt.Errorf("request permission: %w", err)
	}
	if perm == platform.PermissionGranted {
		if _, err := c.Subscribe(ctx); err != nil {
			c.log.Warn("subscribe after grant failed", logx.Err(err))
		}
	}
	return perm, nil
}

// show displays a page-originated notification, replacing any with the same
// tag.
func (c *Coordinator) show(ctx context.Context, title string, opts platform.NotificationOptions) error {
	reg, err := c.container.Ready(ctx, c.scope)
	if err != nil {
		return err
	}
	old, err := reg.Notifications(ctx, opts.Tag)
	if err != nil {
		return err
	}
	for _, n := range old {
		if _, err := reg.CloseNotification(ctx, n.ID); err != nil {
			return err
		}
	}
	_, err = reg.ShowNotification(ctx, title, opts)
	return err
}
