package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"keptpush/internal/eventbus"
	"keptpush/internal/platform"
	"keptpush/pkg/logx"
)

func settings(version string, manifest ...string) Settings {
	if len(manifest) == 0 {
		manifest = []string{"/", "/index.html"}
	}
	return Settings{
		Scope:     scope,
		Script:    "/sw.js",
		Version:   version,
		Manifest:  manifest,
		RootURL:   "/",
		Defaults:  testDefaults,
		OpTimeout: 5 * time.Second,
	}
}

// startRuntime binds a runtime to the environment's container and runs its
// event loop until the test ends.
func startRuntime(t *testing.T, e *env, s Settings, bus eventbus.Bus) *Runtime {
	t.Helper()
	rt := NewRuntime(e.plat, s, bus, logx.Nop())
	e.plat.Container.Bind(rt)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return rt
}

func TestRegisterDeploysConfiguredVersion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	rt := startRuntime(t, e, settings("kept-v4"), bus)

	reg, err := e.plat.Container.Register(ctx, "/sw.js", scope)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.State != platform.StateActivated || reg.Version != "kept-v4" {
		t.Fatalf("registration = %+v", reg)
	}
	if rt.ActiveVersion() != "kept-v4" {
		t.Fatalf("active = %q", rt.ActiveVersion())
	}

	var states []string
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.WorkerState {
			states = append(states, ev.Data.(eventbus.StateChange).To)
		}
	}
	if got := strings.Join(states, ","); got != "installing,installed,activating,activated" {
		t.Fatalf("states = %s", got)
	}

	// A second registration of the same version is a no-op.
	if _, err := e.plat.Container.Register(ctx, "/sw.js", scope); err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("re-register redeployed the active version")
	}

	if _, err := e.plat.Container.Register(ctx, "/other.js", scope); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("other script err = %v", err)
	}
}

func TestDeployNewVersionDropsOldCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rt := startRuntime(t, e, settings("kept-v3"), nil)
	if err := rt.Deploy(ctx, rt.Settings()); err != nil {
		t.Fatal(err)
	}

	if err := rt.Deploy(ctx, settings("kept-v4")); err != nil {
		t.Fatalf("Deploy v4: %v", err)
	}
	if got := cacheNames(t, e.plat.Caches); strings.Join(got, ",") != "kept-v4" {
		t.Fatalf("caches = %v", got)
	}
	if rt.ActiveVersion() != "kept-v4" || rt.Settings().Version != "kept-v4" {
		t.Fatalf("active = %q", rt.ActiveVersion())
	}
}

func TestFailedDeployKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rt := startRuntime(t, e, settings("kept-v3"), nil)
	if err := rt.Deploy(ctx, rt.Settings()); err != nil {
		t.Fatal(err)
	}

	err := rt.Deploy(ctx, settings("kept-v4", "/", "/broken.png"))
	if err == nil {
		t.Fatal("expected deploy failure")
	}
	if rt.ActiveVersion() != "kept-v3" {
		t.Fatalf("active = %q", rt.ActiveVersion())
	}
	if got := cacheNames(t, e.plat.Caches); strings.Join(got, ",") != "kept-v3" {
		t.Fatalf("caches = %v", got)
	}
	reg, ok, _ := e.plat.Container.Registration(ctx, scope)
	if !ok || reg.Version != "kept-v3" || reg.State != platform.StateActivated {
		t.Fatalf("registration = %+v", reg)
	}
	resp, err := rt.Fetch(ctx, httptest.NewRequest("GET", "/index.html", nil))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.Header.Get("X-Kept-Cache") != "hit" {
		t.Fatal("previous version no longer serves its cache")
	}
}

func TestRedeployKeepsPreviousVersionReady(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	e.mu.Lock()
	e.slow = release
	e.mu.Unlock()

	rt := startRuntime(t, e, settings("kept-v3"), nil)
	if err := rt.Deploy(ctx, rt.Settings()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- rt.Deploy(ctx, settings("kept-v4", "/", "/slow.svg")) }()
	deadline := time.Now().Add(5 * time.Second)
	for e.hitCount("/slow.svg") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("install never reached the origin")
		}
		time.Sleep(10 * time.Millisecond)
	}

	readyCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	reg, err := e.plat.Container.Ready(readyCtx, scope)
	if err != nil {
		t.Fatalf("Ready during install: %v", err)
	}
	if reg.Version != "kept-v3" || reg.State != platform.StateActivated {
		t.Fatalf("registration during install = %+v", reg)
	}

	unblock()
	if err := <-done; err != nil {
		t.Fatalf("Deploy v4: %v", err)
	}
	reg, ok, _ := e.plat.Container.Registration(ctx, scope)
	if !ok || reg.Version != "kept-v4" || reg.State != platform.StateActivated {
		t.Fatalf("registration after deploy = %+v", reg)
	}
}

func TestFirstInstallFailureIsRedundant(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rt := startRuntime(t, e, settings("kept-v4", "/broken.png"), nil)

	if _, err := e.plat.Container.Register(ctx, "/sw.js", scope); err == nil {
		t.Fatal("expected Register to fail")
	}
	reg, ok, _ := e.plat.Container.Registration(ctx, scope)
	if !ok || reg.State != platform.StateRedundant {
		t.Fatalf("registration = %+v", reg)
	}
	if got := cacheNames(t, e.plat.Caches); len(got) != 0 {
		t.Fatalf("caches = %v", got)
	}
	if rt.ActiveVersion() != "" {
		t.Fatalf("active = %q", rt.ActiveVersion())
	}
}

func TestEventsWaitForActivation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rt := startRuntime(t, e, settings("kept-v4"), nil)

	early, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := rt.DispatchPush(early, PushEvent{Scope: scope, Data: []byte(`{"title":"early","tag":"a"}`)}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("push before activation err = %v", err)
	}
	if _, err := rt.Fetch(early, httptest.NewRequest("GET", "/", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("fetch before activation err = %v", err)
	}
	if all, _ := e.plat.Tray.List(ctx, scope, ""); len(all) != 0 {
		t.Fatalf("handled before activation: %+v", all)
	}

	if err := rt.Deploy(ctx, rt.Settings()); err != nil {
		t.Fatal(err)
	}
	res, err := rt.DispatchPush(ctx, PushEvent{Scope: scope, Data: []byte(`{"title":"late","tag":"b"}`)})
	if err != nil || res.Outcome != OutcomeShown {
		t.Fatalf("push after activation = %+v, %v", res, err)
	}
	// The queued event ran first.
	all, _ := e.plat.Tray.List(ctx, scope, "")
	if len(all) != 2 || all[0].Title != "early" || all[1].Title != "late" {
		t.Fatalf("tray = %+v", all)
	}
}

func TestDispatchSerializesSameTag(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rt := startRuntime(t, e, settings("kept-v4"), nil)
	if err := rt.Deploy(ctx, rt.Settings()); err != nil {
		t.Fatal(err)
	}

	const n = 8
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := rt.DispatchPush(ctx, PushEvent{Scope: scope, Data: []byte(`{"tag":"promise-reminder"}`)})
			errs <- err
		}()
	}
	for range n {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if all, _ := e.plat.Tray.List(ctx, scope, "promise-reminder"); len(all) != 1 {
		t.Fatalf("tray holds %d notifications for one tag", len(all))
	}
}

func TestDispatchClickOpensRoot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rt := startRuntime(t, e, settings("kept-v4"), nil)
	if err := rt.Deploy(ctx, rt.Settings()); err != nil {
		t.Fatal(err)
	}
	res, err := rt.DispatchPush(ctx, PushEvent{Scope: scope, Data: []byte(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	if err := rt.DispatchClick(ctx, res.NotificationID); err != nil {
		t.Fatalf("DispatchClick: %v", err)
	}
	if got := e.plat.Clients.Opened(); len(got) != 1 || got[0] != "/" {
		t.Fatalf("opened = %v", got)
	}
	if err := rt.DispatchClick(ctx, "missing"); !errors.Is(err, ErrUnknownNotification) {
		t.Fatalf("unknown click err = %v", err)
	}
}

func TestReconfigureChangesDefaultsWithoutDeploy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rt := startRuntime(t, e, settings("kept-v4"), nil)
	if err := rt.Deploy(ctx, rt.Settings()); err != nil {
		t.Fatal(err)
	}
	installs := e.hitCount("/index.html")

	s := rt.Settings()
	s.Defaults.Title = "Promise due"
	s.RootURL = "/promises"
	if err := rt.Reconfigure(s); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	res, err := rt.DispatchPush(ctx, PushEvent{Scope: scope, Data: []byte(`{"body":"x"}`)})
	if err != nil {
		t.Fatal(err)
	}
	n, ok, err := e.plat.Tray.Get(ctx, res.NotificationID)
	if err != nil || !ok || n.Title != "Promise due" {
		t.Fatalf("notification = %+v ok=%v err=%v", n, ok, err)
	}
	if err := rt.DispatchClick(ctx, res.NotificationID); err != nil {
		t.Fatal(err)
	}
	if got := e.plat.Clients.Opened(); len(got) != 1 || got[0] != "/promises" {
		t.Fatalf("opened = %v", got)
	}
	if e.hitCount("/index.html") != installs {
		t.Fatal("Reconfigure refetched the manifest")
	}

	bumped := rt.Settings()
	bumped.Version = "kept-v5"
	if err := rt.Reconfigure(bumped); !errors.Is(err, ErrNeedsDeploy) {
		t.Fatalf("version change err = %v", err)
	}
	if rt.ActiveVersion() != "kept-v4" {
		t.Fatalf("active = %s", rt.ActiveVersion())
	}
}

func TestDispatchAfterStop(t *testing.T) {
	e := newEnv(t)
	rt := NewRuntime(e.plat, settings("kept-v4"), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if _, err := rt.DispatchPush(context.Background(), PushEvent{Scope: scope}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
	if err := rt.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}
