// Package app wires the push client together: config, logging, the shared
// platform store, the worker runtime, the page session, the API client and
// the gateway, all under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keptpush/internal/apiclient"
	"keptpush/internal/config"
	"keptpush/internal/eventbus"
	"keptpush/internal/gateway"
	"keptpush/internal/platform"
	"keptpush/internal/runtime/supervisor"
	"keptpush/internal/session"
	"keptpush/internal/storage"
	"keptpush/internal/worker"
	logx "keptpush/pkg/logx"
	"keptpush/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	plat    *platform.Platform
	runtime *worker.Runtime
	api     *apiclient.Client
	session *session.Session
	gateway *gateway.Service
	sweep   *traySweep
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d, err := config.ParseDurations(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg, d)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	popts, err := mapPlatform(cfg, d, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	plat := platform.New(store, popts, log)

	rt := worker.NewRuntime(plat, mapWorker(cfg, d), bus, log)
	plat.Container.Bind(rt)

	api, err := newAPIClient(cfg, d, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sess := session.New(plat, api, bus, mapSession(cfg, d), log)

	gw := gateway.New(gateway.FromConfig(cfg.Gateway), gateway.Deps{
		Inbox:  plat.Inbox,
		Tray:   plat.Tray,
		Worker: rt,
		Page:   sess,
		Scope:  cfg.Worker.Scope,
	}, log)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		plat:    plat,
		runtime: rt,
		api:     api,
		session: sess,
		gateway: gw,
		sweep:   newTraySweep(plat.Tray, log.With(logx.String("comp", "sweep"))),
	}, nil
}

// Session returns the page session.
func (a *App) Session() *session.Session { return a.session }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		d, err := config.ParseDurations(cfg)
		if err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg, d); err != nil {
			return err
		}
		_, err = mapPlatform(cfg, d, a.log)
		return err
	})

	cfg := a.cfgm.Get()
	d, err := config.ParseDurations(cfg)
	if err != nil {
		return err
	}

	a.sup.Go("worker.events", a.runtime.Run)
	a.gateway.Start(a.sup.Context())
	if err := a.sweep.Apply(cfg.Notifications.SweepSchedule, d.TrayTTL); err != nil {
		return err
	}

	// Registration waits for the first activation, which fetches the
	// manifest; keep it off the caller's path.
	a.sup.Go("session.start", func(c context.Context) error {
		if err := a.session.Start(c); err != nil {
			a.log.Error("session start failed", logx.Err(err))
		}
		st := a.session.Status(c)
		_, _ = systemd.Status("push " + string(st.State))
		return nil
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", eventData(e)))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return systemd.Watchdog(c, a.log) })

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.String("version", cfg.Worker.CacheVersion),
		logx.String("gateway", cfg.Gateway.PublicURL),
	)
	return nil
}

func eventData(e eventbus.Event) any {
	if r, ok := e.Data.(worker.Result); ok && r.Err != nil {
		return map[string]any{"outcome": r.Outcome, "reason": r.Reason, "tag": r.Tag, "err": r.Err.Error()}
	}
	return e.Data
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("gateway", 3*time.Second, func(c context.Context) error { a.gateway.Stop(c); return nil })
	step("sweep", 1*time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	step("session", 0, func(context.Context) error { a.session.Close(); return nil })
	// Waits for the worker event loop and the config watcher.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
