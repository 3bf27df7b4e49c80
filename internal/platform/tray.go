package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"keptpush/internal/storage"
	"keptpush/pkg/logx"
)

type NotificationOptions struct {
	Body               string          `json:"body"`
	Icon               string          `json:"icon,omitempty"`
	Badge              string          `json:"badge,omitempty"`
	Tag                string          `json:"tag"`
	Data               json.RawMessage `json:"data,omitempty"`
	RequireInteraction bool            `json:"requireInteraction"`
}

// Notification is a notification currently in the tray.
type Notification struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
	Title string `json:"title"`
	NotificationOptions
	CreatedAt time.Time `json:"createdAt"`
}

// Tray holds displayed notifications for every scope.
type Tray struct {
	store storage.Store
	log   logx.Logger
}

// Show displays a notification. It does not replace notifications that share
// the tag; callers close those first.
func (t *Tray) Show(ctx context.Context, scope, title string, opts NotificationOptions) (Notification, error) {
	if title == "" {
		return Notification{}, errors.New("show notification: title is required")
	}
	n := Notification{
		ID:                  uuid.NewString(),
		Scope:               scope,
		Title:               title,
		NotificationOptions: opts,
		CreatedAt:           time.Now(),
	}
	err := t.store.PutNotification(ctx, storage.Notification{
		ID:                 n.ID,
		Scope:              scope,
		Tag:                opts.Tag,
		Title:              title,
		Body:               opts.Body,
		Icon:               opts.Icon,
		Badge:              opts.Badge,
		Data:               opts.Data,
		RequireInteraction: opts.RequireInteraction,
		CreatedAt:          n.CreatedAt,
	})
	if err != nil {
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}
	t.log.Debug("notification shown", logx.String("id", n.ID), logx.String("tag", opts.Tag))
	return n, nil
}

// List returns the scope's notifications with tag, oldest first. An empty tag lists all.
func (t *Tray) List(ctx context.Context, scope, tag string) ([]Notification, error) {
	recs, err := t.store.ListNotifications(ctx, scope, tag)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromNotification(r))
	}
	return out, nil
}

func (t *Tray) Get(ctx context.Context, id string) (Notification, bool, error) {
	r, ok, err := t.store.GetNotification(ctx, id)
	if err != nil || !ok {
		return Notification{}, ok, err
	}
	return fromNotification(r), true, nil
}

// Close removes a notification. Closing an unknown id is not an error.
func (t *Tray) Close(ctx context.Context, id string) (bool, error) {
	return t.store.DeleteNotification(ctx, id)
}

// Sweep dismisses notifications older than ttl that do not require interaction.
func (t *Tray) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	ids, err := t.store.ExpireNotifications(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		t.log.Debug("tray swept", logx.Int("dismissed", len(ids)))
	}
	return len(ids), nil
}

func fromNotification(r storage.Notification) Notification {
	return Notification{
		ID:    r.ID,
		Scope: r.Scope,
		Title: r.Title,
		NotificationOptions: NotificationOptions{
			Body:               r.Body,
			Icon:               r.Icon,
			Badge:              r.Badge,
			Tag:                r.Tag,
			Data:               r.Data,
			RequireInteraction: r.RequireInteraction,
		},
		CreatedAt: r.CreatedAt,
	}
}
