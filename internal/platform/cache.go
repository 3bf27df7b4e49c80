package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"keptpush/internal/storage"
)

// Doer sends HTTP requests to the asset origin. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// CacheStorage is the set of named caches shared by every worker version.
type CacheStorage struct {
	store  storage.Store
	origin string
	client Doer
}

func NewCacheStorage(st storage.Store, origin string, client Doer) *CacheStorage {
	return &CacheStorage{store: st, origin: strings.TrimRight(origin, "/"), client: client}
}

// Open returns the named cache, creating it if absent.
func (cs *CacheStorage) Open(ctx context.Context, name string) (*Cache, error) {
	if _, err := cs.store.CreateCache(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{name: name, cs: cs}, nil
}

func (cs *CacheStorage) Keys(ctx context.Context) ([]string, error) {
	return cs.store.ListCaches(ctx)
}

// Delete removes a cache and reports whether it existed.
func (cs *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	return cs.store.DeleteCache(ctx, name)
}

// Match looks key (see CacheKey) up across every cache.
func (cs *CacheStorage) Match(ctx context.Context, key string) (storage.CacheEntry, bool, error) {
	return cs.store.MatchEntry(ctx, "", key)
}

// Fetch forwards r to the asset origin unmodified and returns the response.
// Nothing is cached.
func (cs *CacheStorage) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, cs.origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	req.ContentLength = r.ContentLength
	return cs.client.Do(req)
}

// Cache is one named cache.
type Cache struct {
	name string
	cs   *CacheStorage
}

func (c *Cache) Name() string { return c.name }

// AddAll fetches every url from the asset origin and stores all responses at
// once. Any transport error or non-2xx response fails the call and nothing
// is written.
func (c *Cache) AddAll(ctx context.Context, urls []string) error {
	entries := make([]storage.CacheEntry, 0, len(urls))
	for _, u := range urls {
		key, err := manifestKey(u)
		if err != nil {
			return fmt.Errorf("cache %s: add %s: %w", c.name, u, err)
		}
		e, err := c.fetch(ctx, key)
		if err != nil {
			return fmt.Errorf("cache %s: add %s: %w", c.name, u, err)
		}
		entries = append(entries, e)
	}
	if err := c.cs.store.PutEntries(ctx, c.name, entries); err != nil {
		return fmt.Errorf("cache %s: store: %w", c.name, err)
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, key string) (storage.CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cs.origin+key, nil)
	if err != nil {
		return storage.CacheEntry{}, err
	}
	resp, err := c.cs.client.Do(req)
	if err != nil {
		return storage.CacheEntry{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return storage.CacheEntry{}, errors.New("unexpected status " + resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.CacheEntry{}, err
	}
	return storage.CacheEntry{URL: key, Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (c *Cache) Match(ctx context.Context, key string) (storage.CacheEntry, bool, error) {
	return c.cs.store.MatchEntry(ctx, c.name, key)
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.cs.store.ListEntries(ctx, c.name)
}

// CacheKey is the key a request URL is stored and matched under: the
// canonically escaped path plus the raw query.
func CacheKey(u *url.URL) string {
	key := (&url.URL{Path: u.Path}).EscapedPath()
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

func manifestKey(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "" || u.Host != "" {
		return "", errors.New("manifest entries must be origin-relative paths")
	}
	return CacheKey(u), nil
}
