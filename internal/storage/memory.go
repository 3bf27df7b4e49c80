package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in maps guarded by one mutex. Values are copied
// on the way in and out so callers never share slices with the store.
type memStore struct {
	mu     sync.Mutex
	closed bool

	seq     int64
	caches  map[string]*memCache
	regs    map[string]Registration
	subs    map[string]Subscription // by scope
	notes   map[string]Notification
	noteSeq map[string]int64
	perms   map[string]string
}

type memCache struct {
	seq     int64
	entries map[string]CacheEntry
}

func newMemory() *memStore {
	return &memStore{
		caches:  map[string]*memCache{},
		regs:    map[string]Registration{},
		subs:    map[string]Subscription{},
		notes:   map[string]Notification{},
		noteSeq: map[string]int64{},
		perms:   map[string]string{},
	}
}

func (s *memStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDisabled
	}
	return nil
}

func (s *memStore) CreateCache(_ context.Context, name string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; ok {
		return false, nil
	}
	s.seq++
	s.caches[name] = &memCache{seq: s.seq, entries: map[string]CacheEntry{}}
	return true, nil
}

func (s *memStore) ListCaches(_ context.Context) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.cacheOrder(), nil
}

// cacheOrder returns cache names in creation order. Caller holds mu.
func (s *memStore) cacheOrder() []string {
	names := make([]string, 0, len(s.caches))
	for n := range s.caches {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return s.caches[names[i]].seq < s.caches[names[j]].seq })
	return names
}

func (s *memStore) DeleteCache(_ context.Context, name string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	return true, nil
}

func (s *memStore) PutEntries(_ context.Context, cache string, entries []CacheEntry) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, ok := s.caches[cache]
	if !ok {
		return ErrNoCache
	}
	now := time.Now()
	for _, e := range entries {
		e = copyEntry(e)
		if e.StoredAt.IsZero() {
			e.StoredAt = now
		}
		c.entries[e.URL] = e
	}
	return nil
}

func (s *memStore) MatchEntry(_ context.Context, cache, url string) (CacheEntry, bool, error) {
	if err := s.lock(); err != nil {
		return CacheEntry{}, false, err
	}
	defer s.mu.Unlock()
	names := []string{cache}
	if cache == "" {
		names = s.cacheOrder()
	}
	for _, n := range names {
		c, ok := s.caches[n]
		if !ok {
			continue
		}
		if e, ok := c.entries[url]; ok {
			return copyEntry(e), true, nil
		}
	}
	return CacheEntry{}, false, nil
}

func (s *memStore) ListEntries(_ context.Context, cache string) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	c, ok := s.caches[cache]
	if !ok {
		return nil, nil
	}
	urls := make([]string, 0, len(c.entries))
	for u := range c.entries {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

func (s *memStore) PutRegistration(_ context.Context, r Registration) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	s.regs[r.Scope] = r
	return nil
}

func (s *memStore) GetRegistration(_ context.Context, scope string) (Registration, bool, error) {
	if err := s.lock(); err != nil {
		return Registration{}, false, err
	}
	defer s.mu.Unlock()
	r, ok := s.regs[scope]
	return r, ok, nil
}

func (s *memStore) PutSubscription(_ context.Context, sub Subscription) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	s.subs[sub.Scope] = copySubscription(sub)
	return nil
}

func (s *memStore) GetSubscription(_ context.Context, scope string) (Subscription, bool, error) {
	if err := s.lock(); err != nil {
		return Subscription{}, false, err
	}
	defer s.mu.Unlock()
	sub, ok := s.subs[scope]
	if !ok {
		return Subscription{}, false, nil
	}
	return copySubscription(sub), true, nil
}

func (s *memStore) GetSubscriptionByID(_ context.Context, id string) (Subscription, bool, error) {
	if err := s.lock(); err != nil {
		return Subscription{}, false, err
	}
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID == id {
			return copySubscription(sub), true, nil
		}
	}
	return Subscription{}, false, nil
}

func (s *memStore) DeleteSubscription(_ context.Context, scope string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.subs[scope]; !ok {
		return false, nil
	}
	delete(s.subs, scope)
	return true, nil
}

func (s *memStore) PutNotification(_ context.Context, n Notification) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.Data = slices.Clone(n.Data)
	if _, ok := s.notes[n.ID]; !ok {
		s.seq++
		s.noteSeq[n.ID] = s.seq
	}
	s.notes[n.ID] = n
	return nil
}

func (s *memStore) GetNotification(_ context.Context, id string) (Notification, bool, error) {
	if err := s.lock(); err != nil {
		return Notification{}, false, err
	}
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return Notification{}, false, nil
	}
	n.Data = slices.Clone(n.Data)
	return n, true, nil
}

func (s *memStore) ListNotifications(_ context.Context, scope, tag string) ([]Notification, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.notes {
		if n.Scope != scope || (tag != "" && n.Tag != tag) {
			continue
		}
		n.Data = slices.Clone(n.Data)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return s.noteSeq[out[i].ID] < s.noteSeq[out[j].ID] })
	return out, nil
}

func (s *memStore) DeleteNotification(_ context.Context, id string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.notes[id]; !ok {
		return false, nil
	}
	delete(s.notes, id)
	delete(s.noteSeq, id)
	return true, nil
}

func (s *memStore) ExpireNotifications(_ context.Context, cutoff time.Time) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var ids []string
	for id, n := range s.notes {
		if n.RequireInteraction || !n.CreatedAt.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
		delete(s.notes, id)
		delete(s.noteSeq, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) GetPermission(_ context.Context, origin string) (string, bool, error) {
	if err := s.lock(); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()
	p, ok := s.perms[origin]
	return p, ok, nil
}

func (s *memStore) PutPermission(_ context.Context, origin, state string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.perms[origin] = state
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func copyEntry(e CacheEntry) CacheEntry {
	e.Header = e.Header.Clone()
	e.Body = slices.Clone(e.Body)
	return e
}

func copySubscription(s Subscription) Subscription {
	s.P256dh = slices.Clone(s.P256dh)
	s.Auth = slices.Clone(s.Auth)
	s.PrivateKey = slices.Clone(s.PrivateKey)
	s.ApplicationServerKey = slices.Clone(s.ApplicationServerKey)
	return s
}
