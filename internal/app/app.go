// Package app wires the detector components together and manages the
// process lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "github.com/scopeai/aidetector/internal/api/grpc"
	httpapi "github.com/scopeai/aidetector/internal/api/http"
	"github.com/scopeai/aidetector/internal/auth"
	"github.com/scopeai/aidetector/internal/config"
	"github.com/scopeai/aidetector/internal/detect"
	"github.com/scopeai/aidetector/internal/ingest"
	"github.com/scopeai/aidetector/internal/kv"
	"github.com/scopeai/aidetector/internal/observability"
	"github.com/scopeai/aidetector/internal/server"
	"github.com/scopeai/aidetector/internal/stats"
	"github.com/scopeai/aidetector/internal/tenant"
)

// unmatchedPruneInterval is how often stale unmatched user agents are dropped.
const unmatchedPruneInterval = 5 * time.Minute

// App manages the detector's service lifecycle.
type App struct {
	cfg    *config.Config
	logger slog.Logger
	clock  quartz.Clock

	// Shared resources
	store     kv.Store
	registry  *prometheus.Registry
	shutdown  *server.ShutdownManager
	unmatched *observability.UnmatchedAgents

	// Service components
	handler      http.Handler
	httpServer   *server.GracefulHTTPServer
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes an App.
type Option func(*App)

// WithClock replaces the real clock.
func WithClock(clock quartz.Clock) Option {
	return func(a *App) {
		a.clock = clock
	}
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger slog.Logger, opts ...Option) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ParseLevel converts a configured log level to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Start initializes shared resources and starts the HTTP and gRPC servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	svc, err := a.buildServices()
	if err != nil {
		a.cleanup()
		return err
	}

	if err := a.startHTTP(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(svc); err != nil {
			_ = a.Stop(context.Background())
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	a.startPruner(ctx)

	a.logger.Info(ctx, "detector started",
		slog.F("http_addr", a.httpListener.Addr().String()),
		slog.F("grpc_enabled", a.cfg.GRPC.Enabled),
		slog.F("storage", a.cfg.Storage.Type),
		slog.F("compress", a.cfg.Storage.Compress),
	)
	return nil
}

// initSharedResources opens the store and creates the shutdown manager and
// metrics registry.
func (a *App) initSharedResources(ctx context.Context) error {
	store, err := kv.Open(ctx, storeOptions(a.cfg))
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", a.cfg.Storage.Type, err)
	}
	a.store = store
	a.logger.Info(ctx, "store opened", slog.F("type", a.cfg.Storage.Type))
	if a.cfg.Storage.Type == config.StorageS3 {
		a.logger.Info(ctx, "s3 store",
			slog.F("bucket", a.cfg.Storage.S3.Bucket),
			slog.F("region", a.cfg.Storage.S3.Region),
			slog.F("endpoint", a.cfg.Storage.S3.Endpoint),
		)
	}

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: a.cfg.Shutdown.Timeout,
		DrainTimeout:    a.cfg.Shutdown.DrainTimeout,
		Logger:          a.logger,
		Clock:           a.clock,
	})
	// Closed last, after background writes drain.
	a.shutdown.RegisterCloser(a.store)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return nil
}

func storeOptions(cfg *config.Config) kv.Options {
	return kv.Options{
		Backend: cfg.Storage.Type,
		Path:    cfg.Storage.Path,
		DSN:     cfg.Storage.DSN,
		Bucket:  cfg.Storage.S3.Bucket,
		S3: kv.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
			Prefix:       cfg.Storage.S3.Prefix,
		},
		Compress: cfg.Storage.Compress,
	}
}

// buildServices constructs the domain components and the HTTP handler.
func (a *App) buildServices() (*ingest.Service, error) {
	classifier, err := detect.FromFile(a.cfg.Detect.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load detection rules: %w", err)
	}
	a.logger.Info(context.Background(), "classifier ready",
		slog.F("families", classifier.Families()),
		slog.F("rules_file", a.cfg.Detect.RulesFile),
	)

	metrics := observability.NewMetrics(a.registry)
	tenants := tenant.NewProvider(a.store, a.clock)
	gate := auth.NewGate(tenants, a.cfg.Auth.AdminKey, auth.MigrationCredentials{
		Dashboard: a.cfg.Auth.MigrationDashboardKey,
		Ingest:    a.cfg.Auth.MigrationIngestKey,
	}, a.logger, metrics)
	if a.cfg.Auth.AdminKey == "" {
		a.logger.Warn(context.Background(), "no admin key configured, tenant configuration is disabled")
	}

	agg := stats.NewAggregator(a.store, a.logger, stats.Options{
		MaxEvents:       a.cfg.Stats.MaxEvents,
		TopPaths:        a.cfg.Stats.TopPaths,
		ReadConcurrency: a.cfg.Stats.ReadConcurrency,
	})
	recorder := stats.NewRecorder(agg, a.shutdown, a.logger, metrics, a.clock)
	a.unmatched = observability.NewUnmatchedAgents(a.cfg.Detect.UnmatchedWindow, a.cfg.Detect.UnmatchedMax, a.clock)

	svc := ingest.NewService(ingest.Config{
		Classifier: classifier,
		Gate:       gate,
		Recorder:   recorder,
		Clock:      a.clock,
		Logger:     a.logger,
		Metrics:    metrics,
		Unmatched:  a.unmatched,
	})

	a.handler = httpapi.NewRouter(httpapi.Config{
		Ingest:       svc,
		Gate:         gate,
		Tenants:      tenants,
		Stats:        agg,
		Classifier:   classifier,
		Unmatched:    a.unmatched,
		Shutdown:     a.shutdown,
		Gatherer:     a.registry,
		Clock:        a.clock,
		Logger:       a.logger,
		RateLimit:    a.cfg.Ingest.RateLimit,
		RateWindow:   a.cfg.Ingest.RateWindow,
		MaxBodyBytes: a.cfg.Ingest.MaxBodyBytes,
	})
	return svc, nil
}

// startHTTP listens on the configured address and serves the API.
func (a *App) startHTTP(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	a.httpListener = lis

	a.httpServer = server.NewGracefulHTTPServer(&http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info(ctx, "HTTP server listening", slog.F("addr", lis.Addr().String()))
		if err := a.httpServer.Serve(lis); err != nil {
			a.logger.Error(ctx, "HTTP server error", slog.Error(err))
		}
	}()
	return nil
}

// startGRPC listens on the configured address and serves the ingest and
// health services.
func (a *App) startGRPC(svc *ingest.Service) error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	a.grpcListener = lis

	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcapi.UnaryServerInterceptor(a.logger)))
	grpcapi.RegisterIngestServiceServer(a.grpcServer, grpcapi.NewIngestServer(svc, a.logger))

	a.health = health.NewServer()
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(a.grpcServer, a.health)

	a.shutdown.OnShutdownStart(a.health.Shutdown)
	a.shutdown.RegisterServer(server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info(context.Background(), "gRPC server listening", slog.F("addr", lis.Addr().String()))
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error(context.Background(), "gRPC server error", slog.Error(err))
		}
	}()
	return nil
}

// startPruner periodically drops stale unmatched user agents.
func (a *App) startPruner(ctx context.Context) {
	ticker := a.clock.NewTicker(unmatchedPruneInterval, "app", "prune")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.shutdown.ShutdownCh():
				return
			case <-ticker.C:
				a.unmatched.Prune()
			}
		}
	}()
}

// HTTPAddr returns the address the HTTP server listens on.
func (a *App) HTTPAddr() net.Addr {
	if a.httpListener == nil {
		return nil
	}
	return a.httpListener.Addr()
}

// GRPCAddr returns the address the gRPC server listens on, or nil when gRPC
// is disabled.
func (a *App) GRPCAddr() net.Addr {
	if a.grpcListener == nil {
		return nil
	}
	return a.grpcListener.Addr()
}

// Handler returns the HTTP handler. It is nil before Start.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Stop gracefully stops the servers, waits for background writes and closes
// the store.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn(ctx, "shutdown timeout, some goroutines may not have finished")
	}

	return err
}

// cleanup releases shared resources after a failed start.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// WaitForShutdown blocks until a shutdown signal is received and the
// shutdown sequence completes.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	_ = a.Stop(context.WithoutCancel(ctx))
	return err
}
