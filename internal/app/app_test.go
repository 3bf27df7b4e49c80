package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"keptpush/internal/config"
	"keptpush/internal/session"
	"keptpush/internal/webpush"
	logx "keptpush/pkg/logx"
)

// keptServer fakes the asset origin and the Kept API on one listener.
func keptServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	keys, err := webpush.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	var subscribes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/push/vapid-public-key":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"publicKey":"`+webpush.Encode(keys.P256dh())+`"}`)
		case "/api/push/subscribe":
			subscribes.Add(1)
			w.WriteHeader(http.StatusCreated)
		default:
			_, _ = io.WriteString(w, "asset "+r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &subscribes
}

func writeConfig(t *testing.T, path, origin, version string) {
	t.Helper()
	body := `{
  "logging": {"level": "debug", "console": false},
  "server": {"base_url": "` + origin + `/api"},
  "worker": {"origin": "` + origin + `", "cache_version": "` + version + `", "manifest": ["/", "/index.html"]},
  "gateway": {"addr": "127.0.0.1:0"},
  "session": {"check_on_start": false},
  "platform": {"prompt_answer": "granted", "open_command": "none"}
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAppStartReloadStop(t *testing.T) {
	srv, subscribes := keptServer(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, srv.URL, "kept-v4")

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "key fetch", func() bool {
		return a.Session().Coordinator.State() == session.StateKeyFetched
	})
	if a.runtime.ActiveVersion() != "kept-v4" {
		t.Fatalf("active = %q", a.runtime.ActiveVersion())
	}

	// The prompt is answered "granted", so a request subscribes.
	perm, err := a.Session().RequestPermission(ctx)
	if err != nil || perm != "granted" {
		t.Fatalf("RequestPermission = %v, %v", perm, err)
	}
	if subscribes.Load() != 1 || a.Session().Coordinator.State() != session.StateSubscribed {
		t.Fatalf("subscribes = %d, state = %s", subscribes.Load(), a.Session().Coordinator.State())
	}

	writeConfig(t, path, srv.URL, "kept-v5")
	waitFor(t, "redeploy", func() bool { return a.runtime.ActiveVersion() == "kept-v5" })
	caches, err := a.plat.Caches.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(caches, ",") != "kept-v5" {
		t.Fatalf("caches after redeploy = %v", caches)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestMapStorageConfig(t *testing.T) {
	d := config.Durations{BusyTimeout: 2 * time.Second}
	tests := []struct {
		name    string
		storage config.StorageConfig
		want    string
		wantErr string
	}{
		{name: "default memory", want: "memory"},
		{name: "sqlite", storage: config.StorageConfig{Driver: "SQLite", Path: "kept.db"}, want: "sqlite"},
		{name: "sqlite without path", storage: config.StorageConfig{Driver: "sqlite"}, wantErr: "storage.path"},
		{name: "unknown", storage: config.StorageConfig{Driver: "redis"}, wantErr: "unknown storage.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := mapStorageConfig(&config.Config{Storage: tt.storage}, d)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sc.Driver != tt.want {
				t.Fatalf("driver = %q", sc.Driver)
			}
			if sc.Driver == "sqlite" && sc.BusyTimeout != d.BusyTimeout {
				t.Fatalf("busy timeout = %v", sc.BusyTimeout)
			}
		})
	}
}

func TestMapWorkerAndSession(t *testing.T) {
	cfg, err := config.Decode("c.json", []byte(`{"server":{"base_url":"https://kept.example/api"},"worker":{"origin":"https://kept.example"},"platform":{"workers":false}}`))
	if err != nil {
		t.Fatal(err)
	}
	config.Normalize(cfg)
	d, err := config.ParseDurations(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ws := mapWorker(cfg, d)
	if ws.RootURL != "http://127.0.0.1:8787/" || ws.Version != config.DefaultCacheVersion {
		t.Fatalf("worker settings = %+v", ws)
	}
	if ws.Defaults.Icon != cfg.Worker.Icon || ws.Defaults.Tag != cfg.Notifications.DefaultTag {
		t.Fatalf("defaults = %+v", ws.Defaults)
	}

	so := mapSession(cfg, d)
	if so.Caps.Workers || !so.Caps.Notifications {
		t.Fatalf("caps = %+v", so.Caps)
	}
	if !so.CheckOnStart || so.Notice.Tag != cfg.Notifications.TestTag {
		t.Fatalf("session options = %+v", so)
	}
}

type countingTray struct{ calls atomic.Int32 }

func (c *countingTray) Sweep(context.Context, time.Duration) (int, error) {
	c.calls.Add(1)
	return 2, nil
}

func TestTraySweep(t *testing.T) {
	tray := &countingTray{}
	s := newTraySweep(tray, logx.Nop())
	defer s.Stop(context.Background())

	if err := s.Apply("not a schedule", time.Minute); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	if err := s.Apply("@every 1s", time.Minute); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sweep", func() bool { return tray.calls.Load() > 0 })

	if err := s.Apply("@every 1s", 0); err != nil {
		t.Fatal(err)
	}
	n := tray.calls.Load()
	time.Sleep(1500 * time.Millisecond)
	if tray.calls.Load() != n {
		t.Fatal("sweep kept running with ttl 0")
	}
}
