package worker

import (
	"bytes"
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"keptpush/internal/metrics"
	"keptpush/internal/platform"
	"keptpush/pkg/logx"
)

// Payload is the push message body. Every field is optional.
type Payload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Icon  string          `json:"icon"`
	Badge string          `json:"badge"`
	Tag   string          `json:"tag"`
	Data  json.RawMessage `json:"data"`
}

// PushEvent is one decrypted message for the worker of Scope.
type PushEvent struct {
	Scope string
	Data  []byte
}

type Outcome string

const (
	OutcomeShown   Outcome = "shown"
	OutcomeIgnored Outcome = "ignored"
	OutcomeFailed  Outcome = "failed"
)

// Result is the outcome of one push event.
type Result struct {
	Outcome        Outcome `json:"outcome"`
	Reason         string  `json:"reason,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	NotificationID string  `json:"notificationId,omitempty"`
	Replaced       int     `json:"replaced"`
	Err            error   `json:"-"`
}

// Tray is the part of platform.Tray the worker uses.
type Tray interface {
	Show(ctx context.Context, scope, title string, opts platform.NotificationOptions) (platform.Notification, error)
	List(ctx context.Context, scope, tag string) ([]platform.Notification, error)
	Get(ctx context.Context, id string) (platform.Notification, bool, error)
	Close(ctx context.Context, id string) (bool, error)
}

// PushHandler turns push events into at most one visible notification per tag.
type PushHandler struct {
	tray     Tray
	defaults Defaults
	log      logx.Logger
}

func NewPushHandler(tray Tray, defaults Defaults, log logx.Logger) *PushHandler {
	return &PushHandler{tray: tray, defaults: defaults, log: log}
}

// Handle never panics and never returns without a result.
func (h *PushHandler) Handle(ctx context.Context, ev PushEvent) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeFailed, Reason: "panic", Tag: res.Tag, Err: fmt.Errorf("push handler panic: %v", r)}
		}
		metrics.RecordPush(string(res.Outcome), res.Reason, res.Replaced)
		h.logResult(res)
	}()

	if len(bytes.TrimSpace(ev.Data)) == 0 {
		return Result{Outcome: OutcomeIgnored, Reason: "no-payload"}
	}
	var p Payload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return Result{Outcome: OutcomeIgnored, Reason: "malformed-payload", Err: err}
	}
	title, opts := h.resolve(p)
	res.Tag = opts.Tag

	existing, err := h.tray.List(ctx, ev.Scope, opts.Tag)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: "list", Tag: opts.Tag, Err: err}
	}
	for _, n := range existing {
		if _, err := h.tray.Close(ctx, n.ID); err != nil {
			return Result{Outcome: OutcomeFailed, Reason: "close", Tag: opts.Tag, Replaced: res.Replaced, Err: err}
		}
		res.Replaced++
	}

	n, err := h.tray.Show(ctx, ev.Scope, title, opts)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: "show", Tag: opts.Tag, Replaced: res.Replaced, Err: err}
	}
	return Result{Outcome: OutcomeShown, Tag: opts.Tag, NotificationID: n.ID, Replaced: res.Replaced}
}

func (h *PushHandler) resolve(p Payload) (string, platform.NotificationOptions) {
	title := or(p.Title, h.defaults.Title)
	data := p.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage(`{}`)
	}
	return title, platform.NotificationOptions{
		Body:               or(p.Body, h.defaults.Body),
		Icon:               or(p.Icon, h.defaults.Icon),
		Badge:              or(p.Badge, h.defaults.Icon),
		Tag:                or(p.Tag, h.defaults.Tag),
		Data:               data,
		RequireInteraction: false,
	}
}

func (h *PushHandler) logResult(res Result) {
	fields := []logx.Field{
		logx.String("outcome", string(res.Outcome)),
		logx.String("tag", res.Tag),
		logx.Int("replaced", res.Replaced),
	}
	if res.Reason != "" {
		fields = append(fields, logx.String("reason", res.Reason))
	}
	switch res.Outcome {
	case OutcomeFailed:
		h.log.Error("push event failed", append(fields, logx.Err(res.Err))...)
	case OutcomeIgnored:
		h.log.Debug("push event ignored", append(fields, logx.Err(res.Err))...)
	default:
		h.log.Info("push notification shown", fields...)
	}
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
