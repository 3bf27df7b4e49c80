package platform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sender "github.com/SherClockHolmes/webpush-go"

	"keptpush/internal/storage"
	"keptpush/internal/webpush"
	"keptpush/pkg/logx"
)

func newTestPlatform(t *testing.T, origin string, caps Capabilities) *Platform {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, Options{
		Caps:        caps,
		Origin:      "http://kept.test",
		AssetOrigin: origin,
		PublicURL:   "http://127.0.0.1:8787",
		ReadyPoll:   5 * time.Millisecond,
		Prompter:    StaticPrompter{Answer: PermissionGranted},
	}, logx.Nop())
}

var allCaps = Capabilities{Notifications: true, Workers: true}

func assetOrigin(t *testing.T, fail string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == fail {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "asset "+r.URL.RequestURI())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAddAllIsAtomic(t *testing.T) {
	ctx := context.Background()
	srv := assetOrigin(t, "/missing.svg")
	p := newTestPlatform(t, srv.URL, allCaps)

	c, err := p.Caches.Open(ctx, "kept-v1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = c.AddAll(ctx, []string{"/", "/index.html", "/missing.svg"})
	if err == nil || !strings.Contains(err.Error(), "/missing.svg") {
		t.Fatalf("AddAll err = %v", err)
	}
	if keys, _ := c.Keys(ctx); len(keys) != 0 {
		t.Fatalf("partial install left entries: %v", keys)
	}

	if err := c.AddAll(ctx, []string{"/", "/index.html?v=2"}); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	e, ok, err := p.Caches.Match(ctx, "/index.html?v=2")
	if err != nil || !ok {
		t.Fatalf("Match = %v, %v", ok, err)
	}
	if string(e.Body) != "asset /index.html?v=2" || e.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("entry = %q %v", e.Body, e.Header)
	}
}

func TestCacheFetchPassesThrough(t *testing.T) {
	srv := assetOrigin(t, "")
	p := newTestPlatform(t, srv.URL, allCaps)

	req := httptest.NewRequest(http.MethodGet, "/api/promises?page=2", nil)
	resp, err := p.Caches.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "asset /api/promises?page=2" {
		t.Fatalf("body = %q", b)
	}
	if keys, _ := p.Caches.Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("fetch populated cache storage: %v", keys)
	}
}

type fakeInstaller struct {
	c     *Container
	calls int
}

func (f *fakeInstaller) Ensure(ctx context.Context, scope, script string) error {
	f.calls++
	if err := f.c.SetState(ctx, scope, script, "kept-v1", StateInstalling); err != nil {
		return err
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.c.SetState(context.Background(), scope, script, "kept-v1", StateActivated)
	}()
	return nil
}

func TestContainerRegisterAndReady(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t, "http://unused", allCaps)

	if _, err := p.Container.Register(ctx, "/sw.js", "/"); err == nil {
		t.Fatal("Register without a runtime should fail")
	}
	in := &fakeInstaller{c: p.Container}
	p.Container.Bind(in)

	reg, err := p.Container.Register(ctx, "/sw.js", "/")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.State != StateInstalling {
		t.Fatalf("state after register = %q", reg.State)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ready, err := p.Container.Ready(rctx, "/")
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if ready.State != StateActivated || ready.Version != "kept-v1" || ready.PushManager() == nil {
		t.Fatalf("ready = %+v", ready)
	}
}

func TestContainerWithoutWorkers(t *testing.T) {
	p := newTestPlatform(t, "http://unused", Capabilities{Notifications: true})
	if _, err := p.Container.Register(context.Background(), "/sw.js", "/"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
}

func vapidKey(t *testing.T) (priv, pub string, raw []byte) {
	t.Helper()
	priv, pub, err := sender.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	raw, err = webpush.Decode(pub)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return priv, pub, raw
}

func readyRegistration(t *testing.T, p *Platform) *Registration {
	t.Helper()
	ctx := context.Background()
	if err := p.Container.SetState(ctx, "/", "/sw.js", "kept-v1", StateActivated); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	reg, ok, err := p.Container.Registration(ctx, "/")
	if err != nil || !ok {
		t.Fatalf("Registration = %v, %v", ok, err)
	}
	return reg
}

func TestPushManagerSubscribe(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t, "http://unused", allCaps)
	pm := readyRegistration(t, p).PushManager()
	_, _, key := vapidKey(t)
	_, _, otherKey := vapidKey(t)

	if _, err := pm.Subscribe(ctx, SubscribeOptions{ApplicationServerKey: key}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("silent push should be rejected: %v", err)
	}
	if _, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: []byte("short")}); err == nil {
		t.Fatal("malformed key accepted")
	}

	sub, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !strings.HasPrefix(sub.Endpoint, "http://127.0.0.1:8787/push/") || len(sub.P256dh) != 65 || len(sub.Auth) != 16 {
		t.Fatalf("subscription = %+v", sub)
	}

	again, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil || again.ID != sub.ID {
		t.Fatalf("same-key subscribe = %+v, %v", again, err)
	}
	if _, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: otherKey}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("different key: %v", err)
	}

	if ok, err := pm.Unsubscribe(ctx); err != nil || !ok {
		t.Fatalf("Unsubscribe = %v, %v", ok, err)
	}
	if cur, _ := pm.GetSubscription(ctx); cur != nil {
		t.Fatalf("subscription survived: %+v", cur)
	}
	if ok, _ := pm.Unsubscribe(ctx); ok {
		t.Fatal("second unsubscribe found a subscription")
	}
}

// deliver encrypts msg for sub with webpush-go and returns the request the
// push service would receive.
func deliver(t *testing.T, sub *Subscription, vapidPriv, vapidPub string, msg []byte) (auth string, body []byte) {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	// Rewrite the endpoint host so the sender talks to srv while signing for the real endpoint.
	client := &http.Client{Transport: rewriteHost{to: srv.Listener.Addr().String()}}
	resp, err := sender.SendNotification(msg, &sender.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     sender.Keys{P256dh: webpush.Encode(sub.P256dh), Auth: webpush.Encode(sub.Auth)},
	}, &sender.Options{
		HTTPClient:      client,
		Subscriber:      "ops@kept.example",
		VAPIDPublicKey:  vapidPub,
		VAPIDPrivateKey: vapidPriv,
		TTL:             30,
	})
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	_ = resp.Body.Close()
	mu.Lock()
	defer mu.Unlock()
	return auth, body
}

type rewriteHost struct{ to string }

func (rt rewriteHost) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Host = rt.to
	return http.DefaultTransport.RoundTrip(r)
}

func TestInboxOpen(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t, "http://unused", allCaps)
	pm := readyRegistration(t, p).PushManager()
	vPriv, vPub, key := vapidKey(t)
	oPriv, oPub, _ := vapidKey(t)

	sub, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := []byte(`{"title":"Stretch","body":"10 minutes"}`)
	auth, body := deliver(t, sub, vPriv, vPub, msg)
	m, err := p.Inbox.Open(ctx, sub.ID, auth, body)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(m.Data, msg) || m.Scope != "/" || m.Sender != "mailto:ops@kept.example" {
		t.Fatalf("message = %+v", m)
	}

	auth, body = deliver(t, sub, oPriv, oPub, msg)
	if _, err := p.Inbox.Open(ctx, sub.ID, auth, body); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("foreign key: %v", err)
	}

	if _, err := p.Inbox.Open(ctx, "no-such-id", auth, body); !errors.Is(err, ErrGone) {
		t.Fatalf("unknown id: %v", err)
	}

	if _, err := pm.Unsubscribe(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Inbox.Open(ctx, sub.ID, auth, body); !errors.Is(err, ErrGone) {
		t.Fatalf("after unsubscribe: %v", err)
	}
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t, "http://unused", allCaps)

	if s, _ := p.Permissions.State(ctx); s != PermissionDefault {
		t.Fatalf("initial = %q", s)
	}
	dismissed, err := p.Permissions.Request(WithAnswer(ctx, PermissionDefault))
	if err != nil || dismissed != PermissionDefault {
		t.Fatalf("dismissed prompt = %q, %v", dismissed, err)
	}
	if s, _ := p.Permissions.State(ctx); s != PermissionDefault {
		t.Fatalf("dismissal changed state to %q", s)
	}

	denied, _ := p.Permissions.Request(WithAnswer(ctx, PermissionDenied))
	if denied != PermissionDenied {
		t.Fatalf("denied = %q", denied)
	}
	// A denied origin is not prompted again.
	again, _ := p.Permissions.Request(ctx)
	if again != PermissionDenied {
		t.Fatalf("re-request = %q", again)
	}

	off := newTestPlatform(t, "http://unused", Capabilities{Workers: true})
	if _, err := off.Permissions.State(ctx); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("unsupported: %v", err)
	}
}

func TestTray(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t, "http://unused", allCaps)

	a, err := p.Tray.Show(ctx, "/", "A", NotificationOptions{Tag: "promise-reminder", Data: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if _, err := p.Tray.Show(ctx, "/", "B", NotificationOptions{Tag: "kept-test", RequireInteraction: true}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if _, err := p.Tray.Show(ctx, "/", "", NotificationOptions{}); err == nil {
		t.Fatal("untitled notification accepted")
	}

	list, _ := p.Tray.List(ctx, "/", "promise-reminder")
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("List = %+v", list)
	}

	n, err := p.Tray.Sweep(ctx, time.Nanosecond)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	left, _ := p.Tray.List(ctx, "/", "")
	if len(left) != 1 || left[0].Title != "B" {
		t.Fatalf("after sweep = %+v", left)
	}
	if ok, _ := p.Tray.Close(ctx, left[0].ID); !ok {
		t.Fatal("Close found nothing")
	}
}

func TestClients(t *testing.T) {
	ctx := context.Background()
	c := NewClients(OpenerFor("none", logx.Nop()), logx.Nop())
	if c.Claimed() {
		t.Fatal("claimed before Claim")
	}
	_ = c.Claim(ctx)
	if err := c.OpenWindow(ctx, "http://127.0.0.1:8787/"); err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	if !c.Claimed() || len(c.Opened()) != 1 {
		t.Fatalf("claimed=%v opened=%v", c.Claimed(), c.Opened())
	}
	if _, ok := OpenerFor("firefox --new-window", logx.Nop()).(CommandOpener); !ok {
		t.Fatal("custom command should map to CommandOpener")
	}
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "/", want: "/"},
		{raw: "/index.html?v=2", want: "/index.html?v=2"},
		{raw: "/Static/logos/Kept Mascot Colored.svg", want: "/Static/logos/Kept%20Mascot%20Colored.svg"},
		{raw: "/Static/logos/Kept%20Mascot%20Colored.svg", want: "/Static/logos/Kept%20Mascot%20Colored.svg"},
		{raw: "/a%7Eb", want: "/a~b"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := manifestKey(tt.raw)
			if err != nil || got != tt.want {
				t.Fatalf("manifestKey = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
	if _, err := manifestKey("https://elsewhere.test/x.svg"); err == nil {
		t.Fatal("absolute manifest entry accepted")
	}
}
