package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"keptpush/internal/storage"
	"keptpush/internal/webpush"
)

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// Subscription is the page-visible view of a push subscription. The private
// key never leaves the platform.
type Subscription struct {
	ID                   string
	Endpoint             string
	P256dh               []byte
	Auth                 []byte
	ApplicationServerKey []byte
	CreatedAt            time.Time
}

// PushManager manages the push subscription of one registration scope.
type PushManager struct {
	store     storage.Store
	scope     string
	publicURL string
}

// GetSubscription returns the current subscription or nil.
func (pm *PushManager) GetSubscription(ctx context.Context) (*Subscription, error) {
	rec, ok, err := pm.store.GetSubscription(ctx, pm.scope)
	if err != nil || !ok {
		return nil, err
	}
	return fromRecord(rec), nil
}

// Subscribe returns the existing subscription when it was made with the same
// key, and creates a new one when none exists. A subscription made with a
// different key must be removed first.
func (pm *PushManager) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if !opts.UserVisibleOnly {
		return nil, fmt.Errorf("%w: only user-visible push is supported", ErrNotSupported)
	}
	if _, err := webpush.ParsePublicKey(opts.ApplicationServerKey); err != nil {
		return nil, fmt.Errorf("subscribe: application server key: %w", err)
	}

	if rec, ok, err := pm.store.GetSubscription(ctx, pm.scope); err != nil {
		return nil, err
	} else if ok {
		if !bytes.Equal(rec.ApplicationServerKey, opts.ApplicationServerKey) {
			return nil, fmt.Errorf("%w: subscribed with a different application server key", ErrInvalidState)
		}
		return fromRecord(rec), nil
	}

	keys, err := webpush.GenerateKeys()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	rec := storage.Subscription{
		ID:                   id,
		Scope:                pm.scope,
		Endpoint:             pm.publicURL + "/push/" + id,
		P256dh:               keys.P256dh(),
		Auth:                 keys.Auth,
		PrivateKey:           keys.Private.Bytes(),
		ApplicationServerKey: bytes.Clone(opts.ApplicationServerKey),
		CreatedAt:            time.Now(),
	}
	if err := pm.store.PutSubscription(ctx, rec); err != nil {
		return nil, fmt.Errorf("subscribe: store: %w", err)
	}
	return fromRecord(rec), nil
}

// Unsubscribe removes the subscription and reports whether one existed.
// Messages sent to its endpoint are rejected from then on.
func (pm *PushManager) Unsubscribe(ctx context.Context) (bool, error) {
	return pm.store.DeleteSubscription(ctx, pm.scope)
}

func fromRecord(r storage.Subscription) *Subscription {
	return &Subscription{
		ID:                   r.ID,
		Endpoint:             r.Endpoint,
		P256dh:               r.P256dh,
		Auth:                 r.Auth,
		ApplicationServerKey: r.ApplicationServerKey,
		CreatedAt:            r.CreatedAt,
	}
}

// Inbox receives push messages at subscription endpoints.
type Inbox struct {
	store storage.Store
	now   func() time.Time
}

// Message is a verified, decrypted push message.
type Message struct {
	SubscriptionID string
	Scope          string
	Sender         string // VAPID subject
	Data           []byte
}

// Open verifies and decrypts a message delivered to subscription id.
func (in *Inbox) Open(ctx context.Context, id, authorization string, body []byte) (Message, error) {
	rec, ok, err := in.store.GetSubscriptionByID(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, ErrGone
	}
	sender, err := webpush.Verify(authorization, rec.ApplicationServerKey, rec.Endpoint, in.now())
	if err != nil {
		return Message{}, err
	}
	priv, err := webpush.ParsePrivateKey(rec.PrivateKey)
	if err != nil {
		return Message{}, fmt.Errorf("inbox: stored key: %w", err)
	}
	data, err := webpush.Decrypt(body, priv, rec.Auth)
	if err != nil {
		return Message{}, err
	}
	return Message{SubscriptionID: id, Scope: rec.Scope, Sender: sender, Data: data}, nil
}

// IsAuthError reports whether err came from VAPID verification.
func IsAuthError(err error) bool {
	return errors.Is(err, webpush.ErrUnauthorized)
}
