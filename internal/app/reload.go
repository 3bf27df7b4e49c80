package app

import (
	"context"
	"strings"

	"keptpush/internal/config"
	"keptpush/internal/eventbus"
	"keptpush/internal/gateway"
	logx "keptpush/pkg/logx"
	"keptpush/pkg/systemd"
)

// reloadLoop applies committed configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	change := config.Diff(oldCfg, newCfg)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	changed := strings.Join(change.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, change.Attrs...)...)
	if len(change.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.Strings("sections", change.Restart))
	}

	a.logs.Apply(mapLogging(newCfg))

	d, err := config.ParseDurations(newCfg)
	if err != nil {
		a.log.Warn("invalid durations; keeping previous", logx.Err(err))
		return
	}

	settings := mapWorker(newCfg, d)
	if change.Redeploy {
		// Worker scope and script are fixed for the process; a new version
		// is deployed at the running ones.
		cur := a.runtime.Settings()
		settings.Scope, settings.Script = cur.Scope, cur.Script
		settings.RootURL = cur.RootURL
		a.log.Info("deploying worker version",
			logx.String("version", settings.Version),
			logx.String("previous", a.runtime.ActiveVersion()),
		)
		if err := a.runtime.Deploy(ctx, settings); err != nil {
			a.log.Error("worker deployment failed; previous version stays active", logx.Err(err))
		}
	} else if change.Changed("worker") || change.Changed("notifications") {
		cur := a.runtime.Settings()
		settings.Scope, settings.Script, settings.RootURL = cur.Scope, cur.Script, cur.RootURL
		if err := a.runtime.Reconfigure(settings); err != nil {
			a.log.Warn("worker reconfigure failed", logx.Err(err))
		}
	}

	if change.Changed("notifications") {
		if err := a.sweep.Apply(newCfg.Notifications.SweepSchedule, d.TrayTTL); err != nil {
			a.log.Warn("invalid sweep schedule; keeping previous", logx.Err(err))
		}
	}

	if change.Changed("gateway") {
		gcfg := gateway.FromConfig(newCfg.Gateway)
		// The public URL is baked into issued endpoints; only the listener changes.
		a.gateway.Reconfigure(ctx, gcfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: change.Sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, change.Attrs...)...)
}
