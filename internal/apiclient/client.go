// Package apiclient talks to the push routes of the Kept API.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"keptpush/internal/auth"
	"keptpush/internal/metrics"
	"keptpush/pkg/logx"
)

// SubscribeRequest mirrors a platform subscription on the server. Keys are
// URL-safe base64 without padding.
type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// TestPayload is the server's answer to a test-delivery request. Older servers
// nest tag and data under options.
type TestPayload struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Data    json.RawMessage `json:"data,omitempty"`
	Options *TestOptions    `json:"options,omitempty"`
}

type TestOptions struct {
	Tag  string          `json:"tag,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResolvedData returns data, falling back to options.data.
func (p TestPayload) ResolvedData() json.RawMessage {
	if len(p.Data) > 0 && string(p.Data) != "null" {
		return p.Data
	}
	if p.Options != nil && len(p.Options.Data) > 0 && string(p.Options.Data) != "null" {
		return p.Options.Data
	}
	return nil
}

type Options struct {
	BaseURL string
	// HTTP serves unauthenticated requests.
	HTTP auth.Doer
	// Auth serves every other request.
	Auth auth.Requester
	// RatePerSec limits outgoing requests; 0 disables the limit.
	RatePerSec int
	Log        logx.Logger
}

// Client is the Kept API client.
type Client struct {
	baseURL string
	http    auth.Doer
	auth    auth.Requester
	limiter *rate.Limiter
	log     logx.Logger
}

func New(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTP,
		auth:    opts.Auth,
		log:     opts.Log,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if c.auth == nil {
		c.auth = c.http
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "apiclient"))
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return c
}

// VapidPublicKey fetches the server's application server key. No
// authentication is needed.
func (c *Client) VapidPublicKey(ctx context.Context) (string, error) {
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.doRequest(ctx, c.http, http.MethodGet, "/push/vapid-public-key", nil, &out); err != nil {
		return "", fmt.Errorf("apiclient.VapidPublicKey: %w", err)
	}
	return out.PublicKey, nil
}

// Subscribe registers a subscription for the signed-in user.
func (c *Client) Subscribe(ctx context.Context, sub SubscribeRequest) error {
	if err := c.doRequest(ctx, c.auth, http.MethodPost, "/push/subscribe", sub, nil); err != nil {
		return fmt.Errorf("apiclient.Subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes the subscription with endpoint from the server.
func (c *Client) Unsubscribe(ctx context.Context, endpoint string) error {
	body := struct {
		Endpoint string `json:"endpoint"`
	}{endpoint}
	if err := c.doRequest(ctx, c.auth, http.MethodDelete, "/push/unsubscribe", body, nil); err != nil {
		return fmt.Errorf("apiclient.Unsubscribe: %w", err)
	}
	return nil
}

// SendTest asks the server for a test reminder.
func (c *Client) SendTest(ctx context.Context) (TestPayload, error) {
	var out TestPayload
	if err := c.doRequest(ctx, c.auth, http.MethodPost, "/push/test", nil, &out); err != nil {
		return TestPayload{}, fmt.Errorf("apiclient.SendTest: %w", err)
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, d auth.Doer, method, path string, body any, out any) (err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	status := 0
	defer func() {
		metrics.RecordAPIRequest(method, path, status, time.Since(start))
		if err != nil {
			c.log.Debug("api request failed", logx.String("method", method), logx.String("path", path), logx.Int("status", status), logx.Err(err))
		}
	}()

	resp, err := d.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
