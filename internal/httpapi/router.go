// Package httpapi exposes the trigger, cancellation, read-state, alert
// socket, health and metrics endpoints.
package httpapi

import (
	"context"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alertdesk/internal/event"
	"alertdesk/internal/ingest"
	"alertdesk/internal/poller"
	"alertdesk/internal/runtime/supervisor"
	"alertdesk/internal/session"
	"alertdesk/internal/storage"
	logx "alertdesk/pkg/logx"
)

// Trigger runs one polling tick on demand.
type Trigger interface {
	RunOnce(ctx context.Context) (poller.Result, error)
	Snapshot() poller.Snapshot
}

// Cancellations stores a direct-save batch.
type Cancellations interface {
	ProcessCancellations(ctx context.Context, msgs []event.RawMessage) (ingest.CancellationSummary, error)
}

type Deps struct {
	Trigger       Trigger
	Cancellations Cancellations
	Store         storage.Store
	Hub           *session.Hub

	// OnCreated receives events stored through the cancellation endpoint.
	OnCreated func(ctx context.Context, created []event.Event)
	// Secret returns the current shared secret; it is read per request so
	// config reloads apply without a restart.
	Secret func() string

	// Workers reports supervised goroutine counters for /health; optional.
	Workers func() supervisor.Counters

	Version string
	Log     logx.Logger
}

// Handler carries the dependencies shared by all endpoints.
type Handler struct {
	d        Deps
	log      logx.Logger
	validate *validator.Validate
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Secret == nil {
		d.Secret = func() string { return "" }
	}
	return &Handler{d: d, log: log.With(logx.Component("http")), validate: validator.New()}
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	h := NewHandler(d)
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(h.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", SecretHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/ws/alerts", h.Alerts)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RequireSecret(d.Secret))
			r.Post("/process-messages", h.ProcessMessages)
			r.Post("/cancellations", h.SaveCancellations)
		})

		r.Get("/notifications/unread", h.Unread)
		r.Post("/notifications/{id}/read", h.MarkRead)
		r.Post("/notifications/read-all", h.MarkAllRead)
	})

	return r
}
