// Package auth provides the authenticated-request capability used to talk to
// the Kept API: a bearer token that is refreshed and retried once on 401.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"keptpush/pkg/logx"
)

var (
	ErrAuthRequired   = errors.New("auth: authentication required")
	ErrSessionExpired = errors.New("auth: session expired")
)

// Requester sends a request on behalf of the signed-in user.
type Requester interface {
	Do(req *http.Request) (*http.Response, error)
}

// Doer sends plain HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// RefreshFunc obtains a new access token.
type RefreshFunc func(ctx context.Context) (string, error)

// Bearer attaches an access token to every request. A request without a token
// refreshes first; a 401 response refreshes and retries exactly once.
type Bearer struct {
	client  Doer
	refresh RefreshFunc
	log     logx.Logger

	mu    sync.RWMutex
	token string

	group singleflight.Group
}

func NewBearer(client Doer, token string, refresh RefreshFunc, log logx.Logger) *Bearer {
	if client == nil {
		client = http.DefaultClient
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bearer{client: client, token: token, refresh: refresh, log: log.With(logx.String("comp", "auth"))}
}

func (b *Bearer) Token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

func (b *Bearer) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

func (b *Bearer) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	tok := b.Token()
	if tok == "" {
		var err error
		if tok, err = b.renew(ctx, ""); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
		}
	}

	resp, err := b.client.Do(withToken(req, tok))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	tok, err = b.renew(ctx, tok)
	if err != nil {
		b.SetToken("")
		b.log.Warn("token refresh failed", logx.String("path", req.URL.Path), logx.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	return b.client.Do(withToken(retry, tok))
}

// renew refreshes the token unless another caller already replaced stale.
// Concurrent refreshes share one call.
func (b *Bearer) renew(ctx context.Context, stale string) (string, error) {
	if b.refresh == nil {
		return "", errors.New("no refresh configured")
	}
	if cur := b.Token(); cur != "" && cur != stale {
		return cur, nil
	}
	v, err, _ := b.group.Do("refresh", func() (any, error) {
		tok, err := b.refresh(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", errors.New("empty token")
		}
		b.SetToken(tok)
		b.log.Debug("token refreshed")
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func withToken(req *http.Request, tok string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	return r
}

func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("auth: request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("auth: replay body: %w", err)
	}
	r.Body = body
	return r, nil
}

// EndpointRefresher POSTs to url and reads {"token": "..."} from the reply.
// The client is expected to carry the refresh cookie (e.g. a cookie jar).
func EndpointRefresher(client Doer, url string) RefreshFunc {
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("refresh: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", fmt.Errorf("refresh: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		var out struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("refresh: decode: %w", err)
		}
		return out.Token, nil
	}
}
