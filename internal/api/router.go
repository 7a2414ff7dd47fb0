package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/co-ogn/pkg/logger"
)

// Router wires the API handlers, the websocket endpoint and the optional
// static viewer
type Router struct {
	handler   *Handler
	websocket http.HandlerFunc
	static    http.Handler
	logger    *logger.Logger
}

// NewRouter creates a new router. staticDir may be empty.
func NewRouter(t Tracker, websocket http.HandlerFunc, staticDir string, log *logger.Logger) *Router {
	r := &Router{
		handler:   NewHandler(t, log),
		websocket: websocket,
		logger:    log.Named("router"),
	}
	if staticDir != "" {
		r.static = NewStaticFileHandler(staticDir, log)
	}
	return r
}

// Routes returns the HTTP handler for all endpoints
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", rt.handler.GetHealth)
		r.Get("/status", rt.handler.GetStatus)
		r.Get("/aircraft", rt.handler.GetAllAircraft)
		r.Get("/aircraft/{id}", rt.handler.GetAircraft)
		r.Get("/aircraft/{id}/events", rt.handler.GetAircraftEvents)
		r.Get("/aircraft/{id}/path", rt.handler.GetAircraftPath)
		r.Get("/flights", rt.handler.GetFlights)
		r.Get("/registry/{id}", rt.handler.GetRegistryEntry)
	})

	if rt.websocket != nil {
		r.Get("/ws", rt.websocket)
	}

	if rt.static != nil {
		r.Handle("/*", rt.static)
	}

	rt.logger.Debug("Routes registered",
		logger.Bool("websocket", rt.websocket != nil),
		logger.Bool("static", rt.static != nil))

	return r
}
