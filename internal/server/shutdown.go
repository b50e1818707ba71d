// Package server provides process lifecycle management: graceful shutdown,
// in-flight request tracking and background tasks that must finish before
// the store is closed.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

// ShutdownManager coordinates graceful shutdown.
//
// Shutdown runs in phases: new requests are rejected, in-flight requests
// drain, listeners close, background tasks finish, then resources close in
// reverse registration order. Background tasks scheduled by a request that
// is still draining are therefore never abandoned.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          slog.Logger
	clock           quartz.Clock

	// State
	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	inFlight       int64
	isShuttingDown int32

	// Background tasks.
	tasks       sync.WaitGroup
	tasksMu     sync.Mutex
	tasksClosed bool
	pending     int64

	// Servers stop first, closers run after background tasks finish
	servers   []io.Closer
	closers   []io.Closer
	closersMu sync.Mutex

	// Callbacks
	onShutdownStart []func()
	callbacksMu     sync.Mutex
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds each wait for in-flight requests and for
	// background tasks.
	// Default: 15 seconds
	DrainTimeout time.Duration

	Logger slog.Logger
	Clock  quartz.Clock
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager with the given configuration.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 15 * time.Second
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}

	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		logger:          config.Logger.Named("shutdown"),
		clock:           config.Clock,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterServer adds a listener-owning component. Servers are closed after
// in-flight requests drain and before background tasks are awaited.
func (sm *ShutdownManager) RegisterServer(server io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.servers = append(sm.servers, server)
}

// RegisterCloser adds a resource to be closed once background tasks finish.
// Closers are called in reverse order of registration (LIFO).
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// OnShutdownStart registers a callback to be called when shutdown begins.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.callbacksMu.Lock()
	defer sm.callbacksMu.Unlock()
	sm.onShutdownStart = append(sm.onShutdownStart, fn)
}

// Go runs fn on a new goroutine tracked by the manager. It returns false,
// without running fn, once shutdown has started waiting for background
// tasks.
func (sm *ShutdownManager) Go(fn func()) bool {
	sm.tasksMu.Lock()
	if sm.tasksClosed {
		sm.tasksMu.Unlock()
		return false
	}
	sm.tasks.Add(1)
	atomic.AddInt64(&sm.pending, 1)
	sm.tasksMu.Unlock()

	go func() {
		defer sm.tasks.Done()
		defer atomic.AddInt64(&sm.pending, -1)
		defer func() {
			if r := recover(); r != nil {
				sm.logger.Error(context.Background(), "background task panicked", slog.F("panic", r))
			}
		}()
		fn()
	}()
	return true
}

// PendingTasks returns the number of background tasks still running.
func (sm *ShutdownManager) PendingTasks() int64 {
	return atomic.LoadInt64(&sm.pending)
}

// ListenForSignals starts listening for SIGTERM and SIGINT signals.
// When a signal is received, it initiates graceful shutdown.
// This method blocks until shutdown is complete.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(ctx, fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.WithoutCancel(ctx), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown initiates graceful shutdown with the given reason.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error

	sm.shutdownOnce.Do(func() {
		sm.logger.Info(ctx, "shutting down", slog.F("reason", reason))
		atomic.StoreInt32(&sm.isShuttingDown, 1)
		close(sm.shutdownCh)

		// Call shutdown start callbacks
		sm.callbacksMu.Lock()
		startCallbacks := sm.onShutdownStart
		sm.callbacksMu.Unlock()
		for _, fn := range startCallbacks {
			fn()
		}

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		// Wait for in-flight requests to drain
		if err := sm.drainInFlight(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("drain failed: %w", err)
		}

		sm.closersMu.Lock()
		servers := sm.servers
		closers := sm.closers
		sm.closersMu.Unlock()

		// Stop listeners before waiting on the tasks their requests scheduled
		for i := len(servers) - 1; i >= 0; i-- {
			if err := servers[i].Close(); err != nil && shutdownErr == nil {
				shutdownErr = fmt.Errorf("close server failed: %w", err)
			}
		}

		if err := sm.drainTasks(shutdownCtx); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("background drain failed: %w", err)
		}

		// Close all registered closers in reverse order
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && shutdownErr == nil {
				shutdownErr = fmt.Errorf("close failed: %w", err)
			}
		}

		if shutdownErr != nil {
			sm.logger.Warn(ctx, "shutdown finished with errors", slog.Error(shutdownErr))
		} else {
			sm.logger.Info(ctx, "shutdown complete")
		}
	})

	return shutdownErr
}

// drainInFlight waits for all in-flight requests to complete.
func (sm *ShutdownManager) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := sm.clock.NewTicker(100*time.Millisecond, "shutdown", "drain")
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&sm.inFlight) == 0 {
			return nil
		}

		select {
		case <-drainCtx.Done():
			if remaining := atomic.LoadInt64(&sm.inFlight); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
			return nil
		case <-ticker.C:
			// Continue checking
		}
	}
}

// drainTasks stops accepting background tasks and waits for running ones.
func (sm *ShutdownManager) drainTasks(ctx context.Context) error {
	sm.tasksMu.Lock()
	sm.tasksClosed = true
	sm.tasksMu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.tasks.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-drainCtx.Done():
		return fmt.Errorf("timeout waiting for %d background tasks", sm.PendingTasks())
	}
}

// TrackRequest increments the in-flight request counter.
// Returns false if shutdown is in progress and the request should be rejected.
func (sm *ShutdownManager) TrackRequest() bool {
	if atomic.LoadInt32(&sm.isShuttingDown) == 1 {
		return false
	}
	atomic.AddInt64(&sm.inFlight, 1)
	return true
}

// UntrackRequest decrements the in-flight request counter.
func (sm *ShutdownManager) UntrackRequest() {
	atomic.AddInt64(&sm.inFlight, -1)
}

// IsShuttingDown returns true if shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return atomic.LoadInt32(&sm.isShuttingDown) == 1
}

// InFlightCount returns the current number of in-flight requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	return atomic.LoadInt64(&sm.inFlight)
}

// ShutdownCh returns a channel that is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// GracefulHTTPServer wraps an http.Server with graceful shutdown support.
type GracefulHTTPServer struct {
	server   *http.Server
	shutdown *ShutdownManager
}

// NewGracefulHTTPServer creates a new graceful HTTP server and registers it
// with the shutdown manager.
func NewGracefulHTTPServer(server *http.Server, shutdown *ShutdownManager) *GracefulHTTPServer {
	shutdown.RegisterServer(&httpServerCloser{server: server})
	return &GracefulHTTPServer{
		server:   server,
		shutdown: shutdown,
	}
}

// Serve accepts connections on l until shutdown.
func (gs *GracefulHTTPServer) Serve(l net.Listener) error {
	if err := gs.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// httpServerCloser wraps http.Server to implement io.Closer with graceful shutdown.
type httpServerCloser struct {
	server *http.Server
}

func (c *httpServerCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}

// ShutdownMiddleware creates HTTP middleware that tracks in-flight requests
// and rejects new requests during shutdown.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				// Shutdown in progress, reject request
				w.Header().Set("Connection", "close")
				http.Error(w, "Service Unavailable - Shutting Down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()

			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
