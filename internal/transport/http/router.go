package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterOptions struct {
	Logger          *slog.Logger
	DefaultDuration time.Duration
	Location        *time.Location
	MaxBodyBytes    int64
	AllowedOrigins  []string
	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter       *RedisRateLimiter
	RateLimitFailOpen bool
	ReadyChecks       []ReadyCheck
}

// NewRouter builds the HTTP intake. Health endpoints sit outside the rate
// limiter and body limit.
func NewRouter(svc Admissions, opts RouterOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "http"))
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 30 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	h := &appointmentHandler{
		svc:             svc,
		log:             log,
		defaultDuration: opts.DefaultDuration,
		location:        opts.Location,
	}

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", idempotencyHeader, RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
	})

	r := chi.NewRouter()
	r.Use(WithRequestID, WithAccessLog(log), c.Handler)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", healthz)
	r.Get("/readyz", readyz(opts.ReadyChecks))

	r.Group(func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Middleware(log, opts.RateLimitFailOpen))
		}
		r.Use(WithBodyLimit(opts.MaxBodyBytes))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("Hello from Appointment Service!"))
		})
		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.create)
			r.Get("/", h.list)
			r.Get("/{id}", h.get)
			r.Delete("/{id}", h.cancel)
		})
	})

	return otelhttp.NewHandler(r, "appointment-service.http")
}
