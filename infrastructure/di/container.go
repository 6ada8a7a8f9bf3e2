//go:build !wireinject
// +build !wireinject

package di

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lattice-core/infrastructure/config"
)

// closeTimeout bounds the flush work a shutdown step may do once the
// caller's context is no longer available to it.
const closeTimeout = 30 * time.Second

// NewContainer builds the daemon from its configuration. Construction
// wires everything but starts nothing; call Start to begin serving.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		Config:            cfg,
		shutdownFunctions: make([]func() error, 0),
	}
	if err := c.initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize container: %w", err)
	}
	return c, nil
}

// initialize sets up all dependencies in the correct order.
func (c *Container) initialize(ctx context.Context) error {
	var err error

	// 1. Logging
	c.Logger, err = ProvideLogger(c.Config)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	// 2. Observability
	c.Metrics = ProvideMetrics(c.Config)
	c.Tracing, err = ProvideTracing(c.Config)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	if c.Tracing != nil {
		c.addShutdownFunction(func() error {
			flushCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			return c.Tracing.Shutdown(flushCtx)
		})
	}

	// 3. Persistence backend with its resilience stack
	c.Backend, err = ProvideBackend(ctx, c.Config, c.Logger, c.Metrics)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	c.addShutdownFunction(c.Backend.Close)

	// 4. Write scheduling and the shared store
	c.Coordinator = ProvideCoordinator(c.Config, c.Logger, c.Metrics)
	c.Store = ProvideStore(c.Backend, c.Coordinator, c.Logger, c.Metrics)
	c.addShutdownFunction(func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return c.Store.Close(flushCtx)
	})

	// 5. Outline operations
	c.Service = ProvideOutlineService(c.Store, c.Logger)

	// 6. Viewer surfaces: the live event stream and the REST bridge
	c.Hub = ProvideHub(c.Logger)
	c.Broadcaster = ProvideBroadcaster(c.Hub, c.Store, c.Logger)
	c.WSServer = ProvideWSServer(c.Hub, c.Logger)
	c.Router = ProvideRouter(c.Service, c.Store, c.Metrics, c.Logger, c.WSServer)
	c.Handler = ProvideHandler(c.Router)

	// 7. Agent surface
	c.MCPServer = ProvideMCPServer(c.Service, c.Store)

	// 8. Live configuration reload. Losing the watcher only disables
	// retuning, so a failure here does not stop the daemon.
	c.ConfigWatcher, err = ProvideConfigWatcher(c.Config, c.Logger)
	if err != nil {
		c.Logger.Warn("config watcher disabled", zap.Error(err))
		c.ConfigWatcher = nil
	}

	return nil
}

// Start brings the container to life: the hub loop, state hydration,
// the store-to-hub bridge, and the config watcher. Call it once,
// before the HTTP listener starts accepting.
func (c *Container) Start(ctx context.Context) error {
	go c.Hub.Run()
	c.addShutdownFunction(func() error {
		c.Hub.Stop()
		return nil
	})

	// Hydrate before the broadcaster attaches so startup state is never
	// replayed to the hub.
	count, err := c.Store.Hydrate(ctx)
	if err != nil {
		return fmt.Errorf("hydrate store: %w", err)
	}
	c.Logger.Info("store hydrated", zap.Int("nodes", count))

	c.Broadcaster.Attach()
	c.addShutdownFunction(func() error {
		c.Broadcaster.Detach()
		return nil
	})

	if c.ConfigWatcher != nil {
		c.ConfigWatcher.OnChange(func(next *config.Config) {
			c.Coordinator.SetDebounceWindow(next.DebounceWindow)
			c.Coordinator.SetTestMode(next.TestMode)
		})
		c.ConfigWatcher.Start()
		c.addShutdownFunction(func() error {
			c.ConfigWatcher.Stop()
			return nil
		})
	}

	return nil
}

// addShutdownFunction adds a function to be called during container shutdown.
func (c *Container) addShutdownFunction(fn func() error) {
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}

// AddShutdownFunction adds a function to be called during container shutdown.
func (c *Container) AddShutdownFunction(fn func() error) {
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}

// Shutdown releases everything the container started, in reverse of the
// order it was built. The websocket hub and broadcaster go down first,
// then the store flushes pending writes, then the backend closes.
func (c *Container) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down container")

	var errs []error
	for i := len(c.shutdownFunctions) - 1; i >= 0; i-- {
		if err := c.shutdownFunctions[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Warn("shutdown step failed", zap.Error(err))
		}
	}

	_ = c.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors", len(errs))
	}
	return nil
}
