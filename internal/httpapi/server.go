// Package httpapi serves the operator and billing HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
	"github.com/samuelmjordan/hosting-platform-api/internal/tracing"
)

// Jobs is the enqueue side of the engine. *engine.Engine implements it.
type Jobs interface {
	Known(t domain.JobType) bool
	Enqueue(ctx context.Context, t domain.JobType, payload string, opts ...engine.EnqueueOption) (domain.Job, error)
}

type JobStore interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
}

type ContextStore interface {
	GetContext(ctx context.Context, subscriptionID string) (saga.ExecutionContext, bool, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// App holds the handler dependencies.
type App struct {
	Jobs     Jobs
	JobStore JobStore
	Contexts ContextStore
	DB       Pinger
	Metrics  http.Handler
	Log      *zap.Logger
}

// Routes builds the router.
func Routes(a *App) http.Handler {
	a.Log = logging.OrNop(a.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(tracing.Middleware)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.createJob)
		r.Get("/jobs/{id}", a.getJob)
		r.Post("/subscriptions/{id}/sync", a.syncSubscription)
		r.Get("/subscriptions/status", a.subscriptionStatus)
	})
	return r
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	if a.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
