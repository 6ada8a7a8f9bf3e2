// Package rest is the viewer bridge: the local HTTP API editor panes use
// to read and mutate the shared outline.
package rest

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lattice-core/application/services"
	"lattice-core/application/store"
	"lattice-core/interfaces/http/rest/handlers"
	"lattice-core/interfaces/http/rest/middleware"
	"lattice-core/pkg/observability"
)

// Router wires the HTTP surface over the store and the outline service.
type Router struct {
	service *services.OutlineService
	store   *store.Store
	metrics *observability.Collector
	logger  *zap.Logger
	ws      http.HandlerFunc
}

// NewRouter creates a router.
func NewRouter(service *services.OutlineService, st *store.Store, metrics *observability.Collector, logger *zap.Logger) *Router {
	return &Router{
		service: service,
		store:   st,
		metrics: metrics,
		logger:  logger.Named("http"),
	}
}

// WithWebSocket mounts h at GET /ws so panes open the live event stream
// on the same listener as the REST API.
func (rt *Router) WithWebSocket(h http.HandlerFunc) *Router {
	rt.ws = h
	return rt
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	// Viewer runs before Logger so request lines carry the identity.
	router.Use(middleware.Viewer())
	router.Use(middleware.Logger(rt.logger))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", rt.health)
	if rt.metrics != nil {
		router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(rt.metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}
	if rt.ws != nil {
		router.Get("/ws", rt.ws)
	}

	router.Route("/api/v1", func(r chi.Router) {
		nodeHandler := handlers.NewNodeHandler(rt.service, rt.store, rt.logger)
		r.Route("/nodes", func(r chi.Router) {
			r.Post("/", nodeHandler.CreateNode)
			r.Get("/", nodeHandler.ListNodes)
			r.Get("/{nodeID}", nodeHandler.GetNode)
			r.Patch("/{nodeID}", nodeHandler.UpdateNode)
			r.Delete("/{nodeID}", nodeHandler.DeleteNode)
			r.Get("/{nodeID}/children", nodeHandler.GetChildren)
			r.Get("/{nodeID}/parents", nodeHandler.GetParents)
			r.Post("/{nodeID}/move", nodeHandler.MoveNode)
			r.Post("/{nodeID}/indent", nodeHandler.IndentNode)
			r.Post("/{nodeID}/outdent", nodeHandler.OutdentNode)
		})

		persistenceHandler := handlers.NewPersistenceHandler(rt.service, rt.store, rt.logger)
		r.Route("/persistence", func(r chi.Router) {
			r.Get("/{nodeID}", persistenceHandler.GetStatus)
			r.Post("/wait", persistenceHandler.Wait)
		})
	})

	return router
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","nodes":%d}`, rt.store.Count())
}
