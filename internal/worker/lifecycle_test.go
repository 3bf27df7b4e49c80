package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"keptpush/internal/config"
	"keptpush/internal/platform"
	"keptpush/internal/storage"
	"keptpush/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	plat   *platform.Platform
	origin *httptest.Server

	mu   sync.Mutex
	hits map[string]int
	slow chan struct{} // when set, /slow* requests wait for it to close
}

func (e *env) hitCount(uri string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits[uri]
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{hits: map[string]int{}}
	e.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.hits[r.URL.RequestURI()]++
		slow := e.slow
		e.mu.Unlock()
		if slow != nil && strings.HasPrefix(r.URL.Path, "/slow") {
			<-slow
		}
		if strings.HasPrefix(r.URL.Path, "/broken") {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "origin "+r.URL.RequestURI())
	}))
	t.Cleanup(e.origin.Close)

	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	e.plat = platform.New(st, platform.Options{
		Caps:        platform.Capabilities{Notifications: true, Workers: true},
		Origin:      "http://kept.test",
		AssetOrigin: e.origin.URL,
		PublicURL:   "http://127.0.0.1:8787",
		HTTPClient:  &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		Opener:      platform.LogOpener{Log: logx.Nop()},
	}, logx.Nop())
	return e
}

func (e *env) lifecycle() *Lifecycle {
	return NewLifecycle(e.plat.Caches, e.plat.Clients, logx.Nop())
}

func cacheNames(t *testing.T, cs CacheStorage) []string {
	t.Helper()
	names, err := cs.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	sort.Strings(names)
	return names
}

func TestInstallFillsVersionCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	manifest := []string{"/", "/index.html", "/icon.svg"}

	if err := e.lifecycle().Install(ctx, "kept-v4", manifest); err != nil {
		t.Fatalf("Install: %v", err)
	}
	c, _ := e.plat.Caches.Open(ctx, "kept-v4")
	keys, _ := c.Keys(ctx)
	if strings.Join(keys, ",") != "/,/icon.svg,/index.html" {
		t.Fatalf("cache entries = %v", keys)
	}
}

func TestInstallFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	err := e.lifecycle().Install(ctx, "kept-v4", []string{"/", "/broken.svg"})
	if err == nil {
		t.Fatal("expected install failure")
	}
	c, _ := e.plat.Caches.Open(ctx, "kept-v4")
	if keys, _ := c.Keys(ctx); len(keys) != 0 {
		t.Fatalf("partial install: %v", keys)
	}
}

func TestActivateDeletesStaleCaches(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for _, v := range []string{"kept-v3", "kept-v4"} {
		if _, err := e.plat.Caches.Open(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := e.lifecycle().Activate(ctx, "kept-v4")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if strings.Join(deleted, ",") != "kept-v3" {
		t.Fatalf("deleted = %v", deleted)
	}
	if got := cacheNames(t, e.plat.Caches); strings.Join(got, ",") != "kept-v4" {
		t.Fatalf("caches = %v", got)
	}
	if !e.plat.Clients.Claimed() {
		t.Fatal("activation did not claim clients")
	}
}

// flakyCaches fails deleting one cache.
type flakyCaches struct {
	CacheStorage
	fail string
}

func (f flakyCaches) Delete(ctx context.Context, name string) (bool, error) {
	if name == f.fail {
		return false, errors.New("disk busy")
	}
	return f.CacheStorage.Delete(ctx, name)
}

func TestActivateSkipsFailedDeletes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for _, v := range []string{"kept-v2", "kept-v3", "kept-v4"} {
		_, _ = e.plat.Caches.Open(ctx, v)
	}
	l := NewLifecycle(flakyCaches{CacheStorage: e.plat.Caches, fail: "kept-v2"}, e.plat.Clients, logx.Nop())

	deleted, err := l.Activate(ctx, "kept-v4")
	if err != nil {
		t.Fatalf("Activate should not fail on delete errors: %v", err)
	}
	if strings.Join(deleted, ",") != "kept-v3" {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestCacheConvergesAcrossVersions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.lifecycle()
	for _, v := range []string{"kept-v1", "kept-v2", "kept-v3"} {
		if err := l.Install(ctx, v, []string{"/"}); err != nil {
			t.Fatalf("Install %s: %v", v, err)
		}
		if _, err := l.Activate(ctx, v); err != nil {
			t.Fatalf("Activate %s: %v", v, err)
		}
		if got := cacheNames(t, e.plat.Caches); len(got) != 1 || got[0] != v {
			t.Fatalf("after %s caches = %v", v, got)
		}
	}
}

func TestFetchServesCacheThenOrigin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.lifecycle()
	if err := l.Install(ctx, "kept-v4", []string{"/index.html"}); err != nil {
		t.Fatal(err)
	}

	resp, hit, err := l.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	if err != nil || !hit {
		t.Fatalf("Fetch cached = %v, %v", hit, err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin /index.html" || resp.Header.Get("X-Kept-Cache") != "hit" {
		t.Fatalf("cached response = %q %v", body, resp.Header)
	}
	if e.hitCount("/index.html") != 1 {
		t.Fatal("cache hit went to the origin")
	}

	resp, hit, err = l.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/index.html?v=2", nil))
	if err != nil || hit {
		t.Fatalf("Fetch query variant = %v, %v", hit, err)
	}
	_ = resp.Body.Close()
	if n := e.hitCount("/index.html?v=2"); n != 1 {
		t.Fatalf("origin hits = %d", n)
	}
	if _, ok, _ := e.plat.Caches.Match(ctx, "/index.html?v=2"); ok {
		t.Fatal("miss populated the cache")
	}

	resp, hit, err = l.Fetch(ctx, httptest.NewRequest(http.MethodPost, "/index.html", strings.NewReader("x")))
	if err != nil || hit {
		t.Fatalf("POST = %v, %v", hit, err)
	}
	_ = resp.Body.Close()
}

func TestDefaultManifestServedOffline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.lifecycle()

	cfg := &config.Config{}
	config.Normalize(cfg)
	if err := l.Install(ctx, cfg.Worker.CacheVersion, cfg.Worker.Manifest); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := l.Activate(ctx, cfg.Worker.CacheVersion); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	for _, entry := range cfg.Worker.Manifest {
		t.Run(entry, func(t *testing.T) {
			target := (&url.URL{Path: entry}).EscapedPath()
			before := e.hitCount(target)
			resp, hit, err := l.Fetch(ctx, httptest.NewRequest(http.MethodGet, target, nil))
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if !hit {
				t.Fatalf("%s missed the cache", target)
			}
			if want := "origin " + target; string(body) != want {
				t.Fatalf("body = %q, want %q", body, want)
			}
			if e.hitCount(target) != before {
				t.Fatal("cache hit went to the origin")
			}
		})
	}
}
