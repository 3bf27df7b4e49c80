package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"keptpush/internal/platform"
	"keptpush/internal/storage"
	"keptpush/pkg/logx"
)

// CacheStorage is the part of platform.CacheStorage the lifecycle uses.
type CacheStorage interface {
	Open(ctx context.Context, name string) (*platform.Cache, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Match(ctx context.Context, key string) (storage.CacheEntry, bool, error)
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type Claimer interface {
	Claim(ctx context.Context) error
}

// Lifecycle keeps cache storage holding exactly the active version's cache.
type Lifecycle struct {
	caches  CacheStorage
	clients Claimer
	log     logx.Logger
}

func NewLifecycle(caches CacheStorage, clients Claimer, log logx.Logger) *Lifecycle {
	return &Lifecycle{caches: caches, clients: clients, log: log}
}

// Install opens the version's cache and fills it with the manifest. Either
// every URL is stored or none is.
func (l *Lifecycle) Install(ctx context.Context, version string, manifest []string) error {
	c, err := l.caches.Open(ctx, version)
	if err != nil {
		return fmt.Errorf("install %s: %w", version, err)
	}
	if err := c.AddAll(ctx, manifest); err != nil {
		return fmt.Errorf("install %s: %w", version, err)
	}
	l.log.Info("worker installed", logx.String("version", version), logx.Int("entries", len(manifest)))
	return nil
}

// Activate takes control of open windows and deletes every cache not named
// version. Deletion problems are logged and skipped; only a failed claim
// fails activation. It returns the deleted cache names.
func (l *Lifecycle) Activate(ctx context.Context, version string) ([]string, error) {
	if err := l.clients.Claim(ctx); err != nil {
		return nil, fmt.Errorf("activate %s: claim clients: %w", version, err)
	}

	names, err := l.caches.Keys(ctx)
	if err != nil {
		l.log.Warn("cache cleanup skipped", logx.String("version", version), logx.Err(err))
		return nil, nil
	}
	var deleted []string
	for _, name := range names {
		if name == version {
			continue
		}
		ok, err := l.caches.Delete(ctx, name)
		switch {
		case err != nil:
			l.log.Warn("stale cache delete failed", logx.String("cache", name), logx.Err(err))
		case !ok:
			l.log.Debug("stale cache already gone", logx.String("cache", name))
		default:
			deleted = append(deleted, name)
		}
	}
	l.log.Info("worker activated", logx.String("version", version), logx.Strings("deleted", deleted))
	return deleted, nil
}

// Fetch answers GET requests from cache storage by exact path and query, and
// forwards everything else to the origin untouched. Misses are not cached.
func (l *Lifecycle) Fetch(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	if r.Method == http.MethodGet {
		key := platform.CacheKey(r.URL)
		e, ok, err := l.caches.Match(ctx, key)
		if err != nil {
			l.log.Warn("cache lookup failed", logx.String("url", key), logx.Err(err))
		} else if ok {
			return cachedResponse(r, e), true, nil
		}
	}
	resp, err := l.caches.Fetch(ctx, r)
	return resp, false, err
}

func cachedResponse(r *http.Request, e storage.CacheEntry) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("X-Kept-Cache", "hit")
	h.Del("Content-Length")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       r,
	}
}
