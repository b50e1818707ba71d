package http

import (
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scopeai/aidetector/internal/auth"
	"github.com/scopeai/aidetector/internal/detect"
	"github.com/scopeai/aidetector/internal/ingest"
	"github.com/scopeai/aidetector/internal/observability"
	"github.com/scopeai/aidetector/internal/server"
	"github.com/scopeai/aidetector/internal/stats"
	"github.com/scopeai/aidetector/internal/tenant"
	"github.com/scopeai/aidetector/pkg/types"
)

// DefaultMaxBodyBytes caps ingest request bodies when no limit is configured.
const DefaultMaxBodyBytes = 64 * 1024

// Config holds the dependencies of the API router. Shutdown, Gatherer and
// Unmatched are optional.
type Config struct {
	Ingest     *ingest.Service
	Gate       *auth.Gate
	Tenants    *tenant.Provider
	Stats      *stats.Aggregator
	Classifier *detect.Classifier
	Unmatched  *observability.UnmatchedAgents
	Shutdown   *server.ShutdownManager
	Gatherer   prometheus.Gatherer
	Clock      quartz.Clock
	Logger     slog.Logger

	// RateLimit is the number of ingest requests allowed per client IP per
	// RateWindow. Zero disables limiting.
	RateLimit    int
	RateWindow   time.Duration
	MaxBodyBytes int64
}

type handler struct {
	ingest     *ingest.Service
	gate       *auth.Gate
	tenants    *tenant.Provider
	stats      *stats.Aggregator
	classifier *detect.Classifier
	unmatched  *observability.UnmatchedAgents
	clock      quartz.Clock
	logger     slog.Logger
	maxBody    int64
}

// NewRouter builds the HTTP API. Requests that match no API route are
// observed as native traffic.
func NewRouter(cfg Config) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handler{
		ingest:     cfg.Ingest,
		gate:       cfg.Gate,
		tenants:    cfg.Tenants,
		stats:      cfg.Stats,
		classifier: cfg.Classifier,
		unmatched:  cfg.Unmatched,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("http"),
		maxBody:    cfg.MaxBodyBytes,
	}

	r := chi.NewRouter()
	if cfg.Shutdown != nil {
		r.Use(server.ShutdownMiddleware(cfg.Shutdown))
	}
	r.Use(
		RecoveryMiddleware(h.logger),
		RequestIDMiddleware,
		CorrelationIDMiddleware,
	)

	r.Group(func(r chi.Router) {
		r.Use(ContentTypeMiddleware)

		r.Get("/api/health", h.health)

		r.Get("/api/config", h.getConfig)
		r.Post("/api/config", h.setConfig)
		r.Get("/api/unmatched", h.unmatchedAgents)

		r.Get("/api/stats", h.readStats)
		r.Get("/api/rollups", h.readRollups)
		r.Get("/api/events", h.readEvents)
		r.Post("/api/events/clear", h.clearEvents)

		ingestRoute := r
		if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
			ingestRoute = r.With(httprate.Limit(
				cfg.RateLimit,
				cfg.RateWindow,
				httprate.WithKeyFuncs(keyByClientIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
						Error:     "rate_limited",
						RequestID: GetRequestID(r.Context()),
					})
				}),
			))
		}
		ingestRoute.Post("/api/ingest", h.ingestHit)
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFound(h.native)
	r.MethodNotAllowed(h.native)
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"ts": types.FormatTimestamp(h.clock.Now()),
	})
}

// keyByClientIP buckets ingest requests by the edge-reported client IP,
// falling back to the peer address.
func keyByClientIP(r *http.Request) (string, error) {
	if ip := ClientIP(r); ip != nil {
		return *ip, nil
	}
	return httprate.KeyByIP(r)
}
