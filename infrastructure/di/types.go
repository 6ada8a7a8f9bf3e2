// Package di assembles the daemon: configuration, logging, the
// persistence backend with its resilience stack, the shared store, and
// the viewer and agent surfaces.
//
// The Container type lives here so the Wire and manual initialization
// paths agree on its shape.
package di

import (
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"lattice-core/application/ports"
	"lattice-core/application/services"
	"lattice-core/application/store"
	"lattice-core/infrastructure/config"
	"lattice-core/infrastructure/persistence/coordinator"
	"lattice-core/interfaces/http/rest"
	"lattice-core/interfaces/websocket"
	"lattice-core/pkg/observability"
)

// Container holds all daemon dependencies with lifecycle management.
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Collector
	Tracing *observability.TracerProvider

	// Persistence
	Backend     ports.NodeBackend
	Coordinator *coordinator.Coordinator
	Store       *store.Store

	// Operations
	Service *services.OutlineService

	// Viewer surfaces
	Hub         *websocket.Hub
	Broadcaster *websocket.Broadcaster
	WSServer    *websocket.Server
	Router      *rest.Router
	Handler     http.Handler

	// Agent surface
	MCPServer *mcpserver.MCPServer

	// Live configuration reload
	ConfigWatcher *config.Watcher

	// Lifecycle management
	shutdownFunctions []func() error `wire:"-"`
}
