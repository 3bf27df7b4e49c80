// Package gateway is the local HTTP surface of the client: the push endpoint
// the Kept server delivers Web Push messages to, the control routes the page
// is driven through, metrics, and interception of every other request by the
// worker.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keptpush/internal/metrics"
	"keptpush/internal/platform"
	"keptpush/internal/session"
	"keptpush/internal/webpush"
	"keptpush/internal/worker"
	"keptpush/pkg/logx"
)

// maxPushBody bounds an encrypted delivery: a 4096 byte record plus header.
const maxPushBody = 8 << 10

// Worker is the background side the gateway hands events to.
type Worker interface {
	DispatchPush(ctx context.Context, ev worker.PushEvent) (worker.Result, error)
	DispatchClick(ctx context.Context, id string) error
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	ActiveVersion() string
}

// Page is the page side driven by the control routes.
type Page interface {
	Status(ctx context.Context) session.Status
	Subscribe(ctx context.Context) (*platform.Subscription, error)
	RequestPermission(ctx context.Context) (platform.Permission, error)
	SendTest(ctx context.Context) error
}

type Deps struct {
	Inbox  *platform.Inbox
	Tray   *platform.Tray
	Worker Worker
	Page   Page
	// Scope is the worker scope whose notifications are listed.
	Scope string
}

type handlers struct {
	Deps
	log logx.Logger
}

// NewRouter builds the gateway routes.
func NewRouter(d Deps, cfg Config, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{Deps: d, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Authenticated by VAPID, not by the gateway token.
	r.Post("/push/{id}", h.push)

	r.Group(func(r chi.Router) {
		r.Use(withAuth(cfg.Token))
		r.Route("/_kept", func(r chi.Router) {
			r.Get("/status", h.status)
			r.Get("/notifications", h.notifications)
			r.Post("/notifications/{id}/click", h.click)
			r.Post("/permission", h.permission)
			r.Post("/subscribe", h.subscribe)
			r.Post("/test", h.sendTest)
		})
		if cfg.Metrics {
			r.Handle("/metrics", promhttp.Handler())
		}
		if cfg.Pprof {
			r.Mount("/debug", chimiddleware.Profiler())
		}
	})

	r.HandleFunc("/*", h.fetch)
	return r
}

func (h *handlers) push(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status := http.StatusCreated
	defer func() { metrics.RecordDelivery(status) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "read body: "+err.Error())
		return
	}
	if len(body) > maxPushBody {
		status = http.StatusRequestEntityTooLarge
		writeError(w, status, "payload too large")
		return
	}

	msg, err := h.Inbox.Open(r.Context(), id, r.Header.Get("Authorization"), body)
	if err != nil {
		status = deliveryStatus(err)
		h.log.Warn("push delivery rejected", logx.String("subscription", id), logx.Int("status", status), logx.Err(err))
		writeError(w, status, err.Error())
		return
	}
	h.log.Trace("push message opened",
		logx.String("subscription", id),
		logx.Int64("content_length", r.ContentLength),
		logx.Int("payload", len(msg.Data)),
	)

	res, err := h.Worker.DispatchPush(r.Context(), worker.PushEvent{Scope: msg.Scope, Data: msg.Data})
	if err != nil {
		status = http.StatusServiceUnavailable
		h.log.Warn("push dispatch failed", logx.String("subscription", id), logx.Err(err))
		writeError(w, status, err.Error())
		return
	}
	h.log.Debug("push delivered",
		logx.String("subscription", id),
		logx.String("sender", msg.Sender),
		logx.String("outcome", string(res.Outcome)),
	)
	writeJSON(w, status, res)
}

// deliveryStatus maps an Inbox.Open error to the status a push service
// would answer with.
func deliveryStatus(err error) int {
	switch {
	case errors.Is(err, platform.ErrGone):
		return http.StatusGone
	case errors.Is(err, platform.ErrKeyMismatch), platform.IsAuthError(err):
		return http.StatusForbidden
	case errors.Is(err, webpush.ErrTruncated),
		errors.Is(err, webpush.ErrRecordSize),
		errors.Is(err, webpush.ErrPadding),
		errors.Is(err, webpush.ErrDecryptFail):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	session.Status
	ActiveVersion string `json:"activeVersion,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        h.Page.Status(r.Context()),
		ActiveVersion: h.Worker.ActiveVersion(),
	})
}

func (h *handlers) notifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tray.List(r.Context(), h.Scope, r.URL.Query().Get("tag"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (h *handlers) click(w http.ResponseWriter, r *http.Request) {
	err := h.Worker.DispatchClick(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, worker.ErrUnknownNotification):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) permission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	ctx := r.Context()
	if strings.TrimSpace(req.Answer) != "" {
		answer, err := platform.ParsePermission(req.Answer)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx = platform.WithAnswer(ctx, answer)
	}
	perm, err := h.Page.RequestPermission(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permission": perm,
		"state":      h.Page.Status(r.Context()).State,
	})
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Page.Subscribe(r.Context())
	switch {
	case errors.Is(err, session.ErrNoVapidKey):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := map[string]any{"state": h.Page.Status(r.Context()).State}
	if sub != nil {
		resp["endpoint"] = sub.Endpoint
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) sendTest(w http.ResponseWriter, r *http.Request) {
	if err := h.Page.SendTest(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// fetch lets the worker answer every request no other route claims.
func (h *handlers) fetch(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Worker.Fetch(r.Context(), r)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		h.log.Debug("fetch failed", logx.String("path", r.URL.Path), logx.Err(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Accept either "Authorization: Bearer <token>" or ?token=<token>.
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("http request",
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", ww.Status()),
					logx.Int("bytes", ww.BytesWritten()),
					logx.Duration("elapsed", time.Since(start)),
					logx.String("request_id", chimiddleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
