package app

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"keptpush/internal/apiclient"
	"keptpush/internal/auth"
	"keptpush/internal/config"
	"keptpush/internal/platform"
	"keptpush/internal/session"
	"keptpush/internal/storage"
	"keptpush/internal/worker"
	logx "keptpush/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config, d config.Durations) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: d.BusyTimeout}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func capabilities(cfg *config.Config) platform.Capabilities {
	return platform.Capabilities{
		Notifications: config.Enabled(cfg.Platform.Notifications, true),
		Workers:       config.Enabled(cfg.Platform.Workers, true),
	}
}

func mapPlatform(cfg *config.Config, d config.Durations, log logx.Logger) (platform.Options, error) {
	answer, err := platform.ParsePermission(cfg.Platform.PromptAnswer)
	if err != nil {
		return platform.Options{}, fmt.Errorf("platform.prompt_answer: %w", err)
	}
	return platform.Options{
		Caps:         capabilities(cfg),
		Origin:       cfg.Platform.Origin,
		AssetOrigin:  strings.TrimRight(cfg.Worker.Origin, "/"),
		PublicURL:    cfg.Gateway.PublicURL,
		FetchTimeout: d.FetchTimeout,
		Prompter:     platform.StaticPrompter{Answer: answer},
		Opener:       platform.OpenerFor(cfg.Platform.OpenCommand, log),
	}, nil
}

func mapWorker(cfg *config.Config, d config.Durations) worker.Settings {
	n := cfg.Notifications
	return worker.Settings{
		Scope:    cfg.Worker.Scope,
		Script:   cfg.Worker.Script,
		Version:  cfg.Worker.CacheVersion,
		Manifest: append([]string(nil), cfg.Worker.Manifest...),
		RootURL:  cfg.Gateway.PublicURL + cfg.Worker.Scope,
		Defaults: worker.Defaults{
			Title: n.DefaultTitle,
			Body:  n.DefaultBody,
			Icon:  cfg.Worker.Icon,
			Tag:   n.DefaultTag,
		},
		OpTimeout: d.OpTimeout,
	}
}

func mapSession(cfg *config.Config, d config.Durations) session.Options {
	n := cfg.Notifications
	return session.Options{
		Caps:            capabilities(cfg),
		Scope:           cfg.Worker.Scope,
		Script:          cfg.Worker.Script,
		OpTimeout:       d.OpTimeout,
		MismatchMarkers: append([]string(nil), cfg.Session.MismatchMarkers...),
		Notice: session.Notice{
			Tag:   n.TestTag,
			Title: n.TestTitle,
			Body:  n.TestBody,
			Icon:  cfg.Worker.Icon,
		},
		CheckOnStart: config.Enabled(cfg.Session.CheckOnStart, true),
	}
}

// newAPIClient builds the Kept API client. Authenticated calls carry the
// configured token; with a refresh path a 401 renews it once through the
// refresh cookie kept in the jar.
func newAPIClient(cfg *config.Config, d config.Durations, log logx.Logger) (*apiclient.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: d.ServerTimeout, Jar: jar}

	var refresh auth.RefreshFunc
	if p := strings.TrimSpace(cfg.Server.RefreshPath); p != "" {
		refresh = auth.EndpointRefresher(hc, cfg.Server.BaseURL+"/"+strings.TrimLeft(p, "/"))
	}
	bearer := auth.NewBearer(hc, cfg.Server.Token, refresh, log.With(logx.String("comp", "auth")))

	return apiclient.New(apiclient.Options{
		BaseURL:    cfg.Server.BaseURL,
		HTTP:       hc,
		Auth:       bearer,
		RatePerSec: cfg.Server.RatePerSec,
		Log:        log.With(logx.String("comp", "apiclient")),
	}), nil
}
