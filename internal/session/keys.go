package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"keptpush/internal/webpush"
	"keptpush/pkg/logx"
)

// KeySource fetches the server's VAPID public key.
type KeySource interface {
	VapidPublicKey(ctx context.Context) (string, error)
}

// VapidKey is the server's application server key.
type VapidKey struct {
	Text  string
	Bytes []byte
}

// VapidKeys memoizes the first successfully fetched key for the session.
// Failures are not remembered, so a later call fetches again. The key is
// never refreshed once known.
type VapidKeys struct {
	src   KeySource
	log   logx.Logger
	group singleflight.Group

	mu  sync.RWMutex
	key *VapidKey
}

func NewVapidKeys(src KeySource, log logx.Logger) *VapidKeys {
	return &VapidKeys{src: src, log: log}
}

// Get returns the key, fetching it when absent. Concurrent first calls share
// one fetch.
func (k *VapidKeys) Get(ctx context.Context) (VapidKey, bool) {
	if key, ok := k.cached(); ok {
		return key, true
	}
	v, err, _ := k.group.Do("vapid", func() (any, error) {
		if key, ok := k.cached(); ok {
			return key, nil
		}
		key, err := k.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.key = &key
		k.mu.Unlock()
		return key, nil
	})
	if err != nil {
		k.log.Warn("vapid key unavailable", logx.Err(err))
		return VapidKey{}, false
	}
	return v.(VapidKey), true
}

func (k *VapidKeys) cached() (VapidKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return VapidKey{}, false
	}
	return *k.key, true
}

func (k *VapidKeys) fetch(ctx context.Context) (VapidKey, error) {
	text, err := k.src.VapidPublicKey(ctx)
	if err != nil {
		return VapidKey{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return VapidKey{}, errors.New("vapid key: empty")
	}
	b, err := webpush.Decode(text)
	if err != nil {
		return VapidKey{}, fmt.Errorf("vapid key: %w", err)
	}
	if _, err := webpush.ParsePublicKey(b); err != nil {
		return VapidKey{}, fmt.Errorf("vapid key: %w", err)
	}
	k.log.Debug("vapid key fetched")
	return VapidKey{Text: text, Bytes: b}, nil
}

// Reset forgets the key. Only session teardown calls it.
func (k *VapidKeys) Reset() {
	k.mu.Lock()
	k.key = nil
	k.mu.Unlock()
}
