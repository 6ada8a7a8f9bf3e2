package di

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"lattice-core/application/ports"
	"lattice-core/application/services"
	"lattice-core/application/store"
	"lattice-core/infrastructure/config"
	"lattice-core/infrastructure/persistence"
	"lattice-core/infrastructure/persistence/badger"
	"lattice-core/infrastructure/persistence/coordinator"
	"lattice-core/infrastructure/persistence/dynamo"
	"lattice-core/infrastructure/persistence/memory"
	"lattice-core/infrastructure/persistence/sqlite"
	"lattice-core/interfaces/http/rest"
	"lattice-core/interfaces/mcp"
	"lattice-core/interfaces/websocket"
	"lattice-core/pkg/observability"
)

// metricsNamespace prefixes every Prometheus series the daemon exports.
const metricsNamespace = "lattice"

// ProvideLogger creates the daemon logger.
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Environment, cfg.LogLevel)
}

// ProvideMetrics creates the Prometheus collector, or nil when metrics
// are disabled. Every consumer treats a nil collector as "do not record".
func ProvideMetrics(cfg *config.Config) *observability.Collector {
	if !cfg.EnableMetrics {
		return nil
	}
	return observability.NewCollector(metricsNamespace)
}

// ProvideTracing initializes OpenTelemetry, or returns nil when tracing
// is disabled.
func ProvideTracing(cfg *config.Config) (*observability.TracerProvider, error) {
	if !cfg.EnableTracing {
		return nil, nil
	}
	return observability.InitTracing(observability.TracingConfig{
		ServiceName: "latticed",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
	})
}

// ProvideBackend opens the persistence backend named by the configuration
// and wraps it in the resilience stack. Instrumentation sits innermost so
// every retry attempt is measured and seen by the breaker.
func ProvideBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) (ports.NodeBackend, error) {
	var (
		backend ports.NodeBackend
		err     error
	)

	switch cfg.Backend {
	case config.BackendMemory:
		backend = memory.New()
	case config.BackendSQLite:
		backend, err = sqlite.Open(cfg.SQLitePath, logger)
	case config.BackendBadger:
		backend, err = badger.Open(badger.Options{Path: cfg.BadgerPath, SyncWrites: true}, logger)
	case config.BackendDynamo:
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		backend = dynamo.New(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoTable, cfg.DynamoIndex, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	if metrics != nil {
		backend = persistence.NewInstrumentedBackend(backend, cfg.Backend, metrics)
	}
	backend = persistence.NewBreakerBackend(backend, breakerConfig(cfg), logger)
	return persistence.NewRetryBackend(backend, retryConfig(cfg), logger), nil
}

func breakerConfig(cfg *config.Config) persistence.BreakerConfig {
	bc := persistence.DefaultBreakerConfig(cfg.Backend)
	if cfg.BreakerFailureThreshold > 0 {
		bc.FailureThreshold = cfg.BreakerFailureThreshold
	}
	if cfg.BreakerMinRequests > 0 {
		bc.MinRequests = uint32(cfg.BreakerMinRequests)
	}
	if cfg.BreakerTimeout > 0 {
		bc.Timeout = cfg.BreakerTimeout
	}
	return bc
}

func retryConfig(cfg *config.Config) persistence.RetryConfig {
	rc := persistence.DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		rc.MaxRetries = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialDelay > 0 {
		rc.InitialDelay = cfg.RetryInitialDelay
	}
	if cfg.RetryMaxDelay > 0 {
		rc.MaxDelay = cfg.RetryMaxDelay
	}
	return rc
}

// ProvideCoordinator creates the write scheduler.
func ProvideCoordinator(cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{
		DebounceWindow:    cfg.DebounceWindow,
		DependencyTimeout: cfg.DependencyTimeout,
		ActionTimeout:     cfg.ActionTimeout,
		MaxConcurrent:     int64(cfg.MaxConcurrent),
		TestMode:          cfg.TestMode,
	}, logger, metrics)
}

// ProvideStore creates the shared node store.
func ProvideStore(backend ports.NodeBackend, coord *coordinator.Coordinator, logger *zap.Logger, metrics *observability.Collector) *store.Store {
	return store.New(backend, coord, logger, metrics)
}

// ProvideOutlineService creates the outline operation layer.
func ProvideOutlineService(st *store.Store, logger *zap.Logger) *services.OutlineService {
	return services.NewOutlineService(st, logger)
}

// ProvideHub creates the websocket hub.
func ProvideHub(logger *zap.Logger) *websocket.Hub {
	return websocket.NewHub(logger)
}

// ProvideBroadcaster bridges store events onto the hub.
func ProvideBroadcaster(hub *websocket.Hub, st *store.Store, logger *zap.Logger) *websocket.Broadcaster {
	return websocket.NewBroadcaster(hub, st, logger)
}

// ProvideWSServer creates the websocket upgrade endpoint.
func ProvideWSServer(hub *websocket.Hub, logger *zap.Logger) *websocket.Server {
	return websocket.NewServer(hub, nil, logger)
}

// ProvideRouter creates the REST router with the live event stream
// mounted alongside it.
func ProvideRouter(service *services.OutlineService, st *store.Store, metrics *observability.Collector, logger *zap.Logger, ws *websocket.Server) *rest.Router {
	return rest.NewRouter(service, st, metrics, logger).WithWebSocket(ws.HandleWebSocket)
}

// ProvideHandler builds the HTTP handler tree.
func ProvideHandler(router *rest.Router) http.Handler {
	return router.Setup()
}

// ProvideMCPServer creates the agent-facing MCP server.
func ProvideMCPServer(service *services.OutlineService, st *store.Store) *mcpserver.MCPServer {
	return mcp.NewServer(mcp.Deps{Service: service, Store: st})
}

// ProvideConfigWatcher watches the YAML overlay for live retuning, or
// returns nil when the configuration did not come from a file.
func ProvideConfigWatcher(cfg *config.Config, logger *zap.Logger) (*config.Watcher, error) {
	if cfg.FilePath == "" {
		return nil, nil
	}
	return config.NewWatcher(cfg, logger)
}
