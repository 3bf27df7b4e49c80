package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"keptpush/internal/apiclient"
	"keptpush/internal/platform"
	"keptpush/pkg/logx"
)

// Notice configures the notifications the page shows itself.
type Notice struct {
	Tag   string
	Title string
	Body  string
	Icon  string
}

// TestDelivery asks the server to push a test reminder and confirms locally.
// The pushed reminder arrives separately through the worker.
type TestDelivery struct {
	coord   *Coordinator
	api     API
	markers []string
	notice  Notice
	log     logx.Logger
}

func newTestDelivery(coord *Coordinator, api API, markers []string, notice Notice, log logx.Logger) *TestDelivery {
	lower := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lower = append(lower, m)
		}
	}
	return &TestDelivery{coord: coord, api: api, markers: lower, notice: notice, log: log}
}

// Send makes sure a subscription exists, then requests a test push. When the
// server reports that the subscription no longer matches, the subscription is
// invalidated so the next Subscribe starts over. Every failure is returned
// and also shown as a local notification.
func (d *TestDelivery) Send(ctx context.Context) error {
	if d.coord.disabled() {
		return ErrDisabled
	}
	ctx, cancel := d.coord.detached(ctx)
	defer cancel()

	if d.coord.State() != StateSubscribed || d.coord.Subscription() == nil {
		if _, err := d.coord.Subscribe(ctx); err != nil {
			d.showLocal(ctx, d.notice.Title, "Push notifications are unavailable. Enable notifications and try again.", nil)
			return fmt.Errorf("test delivery: %w", err)
		}
	}

	payload, err := d.api.SendTest(ctx)
	if err != nil {
		if d.IsMismatch(err) {
			d.log.Warn("server reports subscription mismatch", logx.Err(err))
			if ierr := d.coord.Invalidate(ctx); ierr != nil {
				d.log.Error("invalidate after mismatch failed", logx.Err(ierr))
			}
		}
		d.showError(ctx, err)
		return fmt.Errorf("test delivery: %w", err)
	}

	title := payload.Title
	if title == "" {
		title = d.notice.Title
	}
	body := payload.Body
	if body == "" {
		body = d.notice.Body
	}
	if err := d.coord.show(ctx, title, d.options(body, payload.ResolvedData())); err != nil {
		d.showError(ctx, err)
		return fmt.Errorf("test delivery: show confirmation: %w", err)
	}
	d.log.Info("test push requested")
	return nil
}

// IsMismatch reports whether err is a server error whose text names one of
// the mismatch markers.
func (d *TestDelivery) IsMismatch(err error) bool {
	var he *apiclient.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	msg := strings.ToLower(he.Message)
	for _, m := range d.markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func (d *TestDelivery) options(body string, data json.RawMessage) platform.NotificationOptions {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return platform.NotificationOptions{
		Body:  body,
		Icon:  d.notice.Icon,
		Badge: d.notice.Icon,
		Tag:   d.notice.Tag,
		Data:  data,
	}
}

func (d *TestDelivery) showError(ctx context.Context, err error) {
	msg := err.Error()
	var he *apiclient.HTTPError
	if errors.As(err, &he) && he.Message != "" {
		msg = he.Message
	}
	d.showLocal(ctx, d.notice.Title, "Test notification failed: "+msg, nil)
}

func (d *TestDelivery) showLocal(ctx context.Context, title, body string, data json.RawMessage) {
	if err := d.coord.show(ctx, title, d.options(body, data)); err != nil {
		d.log.Warn("local notification failed", logx.Err(err))
	}
}
