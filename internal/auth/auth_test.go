package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"keptpush/pkg/logx"
)

// api accepts only the current token and records request bodies.
type api struct {
	mu      sync.Mutex
	valid   string
	calls   int
	bodies  []string
	refresh atomic.Int32
}

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/auth/refresh" {
		a.refresh.Add(1)
		if a.validToken() == "" {
			http.Error(w, `{"error":"no session"}`, http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"token":"`+a.validToken()+`"}`)
		return
	}
	body, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.calls++
	a.bodies = append(a.bodies, string(body))
	a.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+a.validToken() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *api) validToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid
}

func (a *api) seen() (int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, append([]string(nil), a.bodies...)
}

func newAPI(t *testing.T, valid string) (*api, *httptest.Server) {
	t.Helper()
	a := &api{valid: valid}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, srv
}

func post(t *testing.T, b *Bearer, url, body string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := b.Do(req)
	if err == nil {
		_ = resp.Body.Close()
	}
	return resp, err
}

func TestBearerRetriesOnceAfterRefresh(t *testing.T) {
	a, srv := newAPI(t, "fresh")
	b := NewBearer(srv.Client(), "stale", EndpointRefresher(srv.Client(), srv.URL+"/auth/refresh"), logx.Nop())

	resp, err := post(t, b, srv.URL+"/push/subscribe", `{"endpoint":"e"}`)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	calls, bodies := a.seen()
	if calls != 2 || a.refresh.Load() != 1 {
		t.Fatalf("calls = %d refreshes = %d", calls, a.refresh.Load())
	}
	if bodies[1] != `{"endpoint":"e"}` {
		t.Fatalf("retried body = %q", bodies[1])
	}
	if b.Token() != "fresh" {
		t.Fatalf("token = %q", b.Token())
	}
}

func TestBearerDoesNotRetryTwice(t *testing.T) {
	a, srv := newAPI(t, "good")
	// The refresh endpoint hands out a token the API keeps rejecting.
	refresh := func(context.Context) (string, error) { return "also-bad", nil }
	b := NewBearer(srv.Client(), "bad", refresh, logx.Nop())

	resp, err := post(t, b, srv.URL+"/push/test", "")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls, _ := a.seen(); resp.StatusCode != http.StatusUnauthorized || calls != 2 {
		t.Fatalf("status = %d calls = %d", resp.StatusCode, calls)
	}
}

func TestBearerRefreshFailure(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "no token", token: "", want: ErrAuthRequired},
		{name: "rejected token", token: "stale", want: ErrSessionExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newAPI(t, "")
			b := NewBearer(srv.Client(), tt.token, EndpointRefresher(srv.Client(), srv.URL+"/auth/refresh"), logx.Nop())
			if _, err := post(t, b, srv.URL+"/push/test", ""); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if b.Token() != "" {
				t.Fatalf("token kept after failed refresh: %q", b.Token())
			}
		})
	}
}

func TestBearerSharesConcurrentRefresh(t *testing.T) {
	a, srv := newAPI(t, "fresh")
	release := make(chan struct{})
	var refreshes atomic.Int32
	refresh := func(context.Context) (string, error) {
		refreshes.Add(1)
		<-release
		return "fresh", nil
	}
	b := NewBearer(srv.Client(), "", refresh, logx.Nop())

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := post(t, b, srv.URL+"/x", "")
			errs <- err
		}()
	}
	for refreshes.Load() == 0 {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	// Late callers may see the stored token and skip the shared call.
	if got := refreshes.Load(); got < 1 || got > n {
		t.Fatalf("refreshes = %d", got)
	}
	if calls, _ := a.seen(); calls != n {
		t.Fatalf("calls = %d", calls)
	}
}
