// Package api exposes the dispatcher over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"nstbot/internal/core/port"
)

type Config struct {
	// MaxUploadBytes bounds the request body of a submission.
	MaxUploadBytes int64
	// MaxWait caps the wait endpoint.
	MaxWait time.Duration
	// DefaultWait applies when the client does not pass a timeout.
	DefaultWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxUploadBytes: 20 << 20,
		MaxWait:        2 * time.Minute,
		DefaultWait:    30 * time.Second,
	}
}

type Handler struct {
	dispatcher port.Dispatcher
	config     Config
}

func NewHandler(dispatcher port.Dispatcher, config Config) *Handler {
	def := DefaultConfig()
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = def.MaxUploadBytes
	}
	if config.MaxWait <= 0 {
		config.MaxWait = def.MaxWait
	}
	if config.DefaultWait <= 0 || config.DefaultWait > config.MaxWait {
		config.DefaultWait = min(def.DefaultWait, config.MaxWait)
	}

	return &Handler{dispatcher: dispatcher, config: config}
}

// Router returns the HTTP API. metrics may be nil to leave /metrics out.
func (h *Handler) Router(metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Delete("/", h.CancelTask)
			r.Get("/result", h.GetResult)
			r.Post("/wait", h.WaitTask)
		})
	})

	return r
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("requestId", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}
