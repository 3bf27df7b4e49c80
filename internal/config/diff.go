package config

import (
	"slices"

	"keptpush/pkg/logx"
)

// Change summarizes what differs between two configs.
type Change struct {
	// Sections lists changed top-level sections in file order.
	Sections []string
	// Redeploy is set when the worker version or its manifest changed.
	Redeploy bool
	// Restart lists sections that only take effect after a process restart.
	Restart []string
	Attrs   []logx.Field
}

// Changed reports whether section is among the changed sections.
func (c Change) Changed(section string) bool { return slices.Contains(c.Sections, section) }

// Diff compares two normalized configs. A nil old config reports every section.
// The server token is never included in Attrs.
func Diff(oldCfg, newCfg *Config) Change {
	var c Change
	if newCfg == nil {
		return c
	}
	initial := oldCfg == nil
	if initial {
		oldCfg = &Config{}
	}

	mark := func(section string, changed bool, attrs ...logx.Field) {
		if !changed {
			return
		}
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
	}

	o, n := oldCfg, newCfg
	mark("logging", o.Logging != n.Logging,
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.console", n.Logging.Console),
		logx.Bool("logging.file", n.Logging.File.Enabled))
	mark("storage", o.Storage != n.Storage,
		logx.String("storage.driver", n.Storage.Driver))
	mark("server", o.Server != n.Server,
		logx.String("server.base_url", n.Server.BaseURL),
		logx.Bool("server.token_set", n.Server.Token != ""))

	versionChanged := o.Worker.CacheVersion != n.Worker.CacheVersion
	manifestChanged := !slices.Equal(o.Worker.Manifest, n.Worker.Manifest)
	workerChanged := versionChanged || manifestChanged ||
		o.Worker.Icon != n.Worker.Icon ||
		o.Worker.Scope != n.Worker.Scope ||
		o.Worker.Script != n.Worker.Script ||
		o.Worker.Origin != n.Worker.Origin ||
		o.Worker.FetchTimeout != n.Worker.FetchTimeout
	mark("worker", workerChanged,
		logx.String("worker.cache_version", n.Worker.CacheVersion),
		logx.Int("worker.manifest", len(n.Worker.Manifest)))
	c.Redeploy = versionChanged || manifestChanged

	mark("notifications", o.Notifications != n.Notifications,
		logx.String("notifications.default_tag", n.Notifications.DefaultTag),
		logx.String("notifications.sweep_schedule", n.Notifications.SweepSchedule))
	mark("gateway", o.Gateway != n.Gateway,
		logx.String("gateway.addr", n.Gateway.Addr),
		logx.String("gateway.public_url", n.Gateway.PublicURL),
		logx.Bool("gateway.token_set", n.Gateway.Token != ""))

	sessionChanged := !slices.Equal(o.Session.MismatchMarkers, n.Session.MismatchMarkers) ||
		Enabled(o.Session.CheckOnStart, true) != Enabled(n.Session.CheckOnStart, true) ||
		o.Session.OpTimeout != n.Session.OpTimeout
	mark("session", sessionChanged,
		logx.Strings("session.mismatch_markers", n.Session.MismatchMarkers))

	platformChanged := Enabled(o.Platform.Notifications, true) != Enabled(n.Platform.Notifications, true) ||
		Enabled(o.Platform.Workers, true) != Enabled(n.Platform.Workers, true) ||
		o.Platform.PromptAnswer != n.Platform.PromptAnswer ||
		o.Platform.OpenCommand != n.Platform.OpenCommand ||
		o.Platform.Origin != n.Platform.Origin
	mark("platform", platformChanged,
		logx.String("platform.prompt_answer", n.Platform.PromptAnswer))

	if initial {
		return c
	}
	if c.Changed("storage") {
		c.Restart = append(c.Restart, "storage")
	}
	// push endpoints already handed out embed the public URL.
	if o.Gateway.PublicURL != n.Gateway.PublicURL {
		c.Restart = append(c.Restart, "gateway")
	}
	if c.Changed("session") {
		c.Restart = append(c.Restart, "session")
	}
	if workerChanged && !c.Redeploy {
		// scope, script and origin are only read at deploy time.
		c.Restart = append(c.Restart, "worker")
	}
	return c
}
