package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCacheVersion = "kept-v4"
	DefaultIcon         = "/Static/logos/Kept Mascot Colored.svg"
	DefaultTag          = "promise-reminder"
	DefaultTestTag      = "kept-test"
)

// DefaultMismatchMarkers are matched (case-insensitive) against the error text of
// the test endpoint to detect a stale subscription.
var DefaultMismatchMarkers = []string{
	"unavailable",
	"mismatch",
	"vapid",
	"expired",
	"invalid subscription",
}

// Normalize fills defaults in place. It never fails; Validate reports problems.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "memory"
	}

	w := &cfg.Worker
	if strings.TrimSpace(w.CacheVersion) == "" {
		w.CacheVersion = DefaultCacheVersion
	}
	if strings.TrimSpace(w.Icon) == "" {
		w.Icon = DefaultIcon
	}
	if len(w.Manifest) == 0 {
		w.Manifest = []string{"/", "/index.html", w.Icon}
	}
	if strings.TrimSpace(w.Scope) == "" {
		w.Scope = "/"
	}
	if strings.TrimSpace(w.Script) == "" {
		w.Script = "/sw.js"
	}

	n := &cfg.Notifications
	if n.DefaultTitle == "" {
		n.DefaultTitle = "Kept Reminder"
	}
	if n.DefaultBody == "" {
		n.DefaultBody = "You have a promise to keep"
	}
	if n.DefaultTag == "" {
		n.DefaultTag = DefaultTag
	}
	if n.TestTag == "" {
		n.TestTag = DefaultTestTag
	}
	if n.TestTitle == "" {
		n.TestTitle = "Kept — Test Reminder"
	}
	if n.TestBody == "" {
		n.TestBody = "This is a test reminder about one of your promises."
	}
	if n.SweepSchedule == "" {
		n.SweepSchedule = "@every 1m"
	}

	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = "127.0.0.1:8787"
	}
	if cfg.Gateway.PublicURL == "" {
		cfg.Gateway.PublicURL = "http://" + cfg.Gateway.Addr
	}
	cfg.Gateway.PublicURL = strings.TrimRight(cfg.Gateway.PublicURL, "/")

	if len(cfg.Session.MismatchMarkers) == 0 {
		cfg.Session.MismatchMarkers = append([]string(nil), DefaultMismatchMarkers...)
	}
	if cfg.Platform.PromptAnswer == "" {
		cfg.Platform.PromptAnswer = "default"
	}
	if cfg.Platform.Origin == "" {
		cfg.Platform.Origin = cfg.Gateway.PublicURL
	}
	cfg.Server.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Server.BaseURL), "/")
}

// Validate checks a normalized config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if cfg.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	} else if _, err := url.ParseRequestURI(cfg.Server.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("server.base_url: %w", err))
	}
	if strings.TrimSpace(cfg.Worker.Origin) == "" {
		errs = append(errs, errors.New("worker.origin is required"))
	}
	for i, u := range cfg.Worker.Manifest {
		if !strings.HasPrefix(u, "/") {
			errs = append(errs, fmt.Errorf("worker.manifest[%d]: %q must be an absolute path", i, u))
		}
	}
	if _, err := url.ParseRequestURI(cfg.Gateway.PublicURL); err != nil {
		errs = append(errs, fmt.Errorf("gateway.public_url: %w", err))
	}
	switch strings.ToLower(cfg.Platform.PromptAnswer) {
	case "granted", "denied", "default":
	default:
		errs = append(errs, fmt.Errorf("platform.prompt_answer: unknown value %q", cfg.Platform.PromptAnswer))
	}
	if _, err := cron.ParseStandard(cfg.Notifications.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("notifications.sweep_schedule: %w", err))
	}
	for path, raw := range map[string]string{
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
		"server.timeout":         cfg.Server.Timeout,
		"worker.fetch_timeout":   cfg.Worker.FetchTimeout,
		"notifications.tray_ttl": cfg.Notifications.TrayTTL,
		"session.op_timeout":     cfg.Session.OpTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enabled resolves an optional bool with a default.
func Enabled(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Durations is the parsed form of every duration field.
type Durations struct {
	BusyTimeout   time.Duration
	ServerTimeout time.Duration
	FetchTimeout  time.Duration
	TrayTTL       time.Duration
	OpTimeout     time.Duration
}

func ParseDurations(cfg *Config) (Durations, error) {
	var d Durations
	var err error
	if d.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	if d.ServerTimeout, err = ParseDurationOrDefault("server.timeout", cfg.Server.Timeout, 15*time.Second); err != nil {
		return d, err
	}
	if d.FetchTimeout, err = ParseDurationOrDefault("worker.fetch_timeout", cfg.Worker.FetchTimeout, 10*time.Second); err != nil {
		return d, err
	}
	if d.TrayTTL, err = ParseDurationOrDefault("notifications.tray_ttl", cfg.Notifications.TrayTTL, 10*time.Minute); err != nil {
		return d, err
	}
	if d.OpTimeout, err = ParseDurationOrDefault("session.op_timeout", cfg.Session.OpTimeout, 30*time.Second); err != nil {
		return d, err
	}
	return d, nil
}
