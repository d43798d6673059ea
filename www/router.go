// Package www serves the storefront-facing tracking API and event stream.
package www

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ordertrack/engine"
	"ordertrack/logging"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   *engine.Engine
	sessions *sessionStore
	eventHub *EventHub
	log      *zap.Logger
}

// NewRouter creates the chi router and returns it along with a stop function.
func NewRouter(eng *engine.Engine, logger *zap.Logger) (http.Handler, func()) {
	log := logging.OrNop(logger).Named("www")
	web := eng.AppConfig().Web
	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(web.SessionSecret, web.SessionMaxAge),
		eventHub: NewEventHub(log),
		log:      log,
	}

	h.eventHub.Start()
	h.eventHub.SetupEngineListeners(eng)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", h.handleHealth)

	// SSE (per session)
	r.Get("/events", h.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/statuses", h.apiStatuses)

		r.Get("/tracking", h.apiGetTracking)
		r.Post("/tracking", h.apiTrackOrder)
		r.Delete("/tracking", h.apiClearTracking)
		r.Post("/tracking/refresh", h.apiRefresh)
	})

	return r, func() {
		h.eventHub.Stop()
	}
}

func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
