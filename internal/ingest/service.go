// Package ingest turns raw request descriptions into recorded bot hits. It
// is shared by the HTTP and gRPC ingestion endpoints and by native traffic
// observation.
package ingest

import (
	"context"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/scopeai/aidetector/internal/auth"
	"github.com/scopeai/aidetector/internal/detect"
	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/observability"
	"github.com/scopeai/aidetector/internal/tenant"
	"github.com/scopeai/aidetector/pkg/types"
)

// Sources used as metric labels.
const (
	SourceIngest = "ingest"
	SourceNative = "native"
)

// Payload is an explicit ingestion request. Only UA is required; pointer
// fields distinguish absent from empty.
type Payload struct {
	UA      *string `json:"ua"`
	Host    *string `json:"host,omitempty"`
	Path    *string `json:"path,omitempty"`
	Method  *string `json:"method,omitempty"`
	TS      *string `json:"ts,omitempty"`
	IP      *string `json:"ip,omitempty"`
	Country *string `json:"country,omitempty"`
	Colo    *string `json:"colo,omitempty"`
}

// Result is the outcome of an accepted ingestion.
type Result struct {
	Stored  bool
	Ignored bool
	Family  types.Family
	Type    types.BotType
}

// NativeRequest describes a request received directly by this service.
type NativeRequest struct {
	UA      string
	Host    string
	Path    string
	Method  string
	IP      *string
	Country *string
	Colo    *string
}

// Authorizer checks ingestion credentials. *auth.Gate implements it.
type Authorizer interface {
	AuthorizeIngestion(ctx context.Context, host, key string) (auth.Decision, error)
}

// HitRecorder schedules aggregation of a hit. *stats.Recorder implements it.
type HitRecorder interface {
	Record(ctx context.Context, ns string, hit types.BotHit) bool
}

// Service classifies and records hits.
type Service struct {
	classifier *detect.Classifier
	gate       Authorizer
	recorder   HitRecorder
	clock      quartz.Clock
	logger     slog.Logger
	metrics    *observability.Metrics
	unmatched  *observability.UnmatchedAgents
}

// Config holds the dependencies of a Service. Metrics and Unmatched may be
// nil.
type Config struct {
	Classifier *detect.Classifier
	Gate       Authorizer
	Recorder   HitRecorder
	Clock      quartz.Clock
	Logger     slog.Logger
	Metrics    *observability.Metrics
	Unmatched  *observability.UnmatchedAgents
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &Service{
		classifier: cfg.Classifier,
		gate:       cfg.Gate,
		recorder:   cfg.Recorder,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("ingest"),
		metrics:    cfg.Metrics,
		unmatched:  cfg.Unmatched,
	}
}

// Ingest validates, authorizes, classifies and schedules p. The tenant is
// p.Host when set, otherwise defaultHost. Requests whose user agent matches
// no rule are accepted and reported as ignored.
func (s *Service) Ingest(ctx context.Context, p Payload, key, defaultHost string) (Result, error) {
	if p.UA == nil {
		return Result{}, dterrors.NewValidationError(dterrors.CodeMalformedPayload, "payload requires at least { ua: string }")
	}
	ts := s.clock.Now()
	if p.TS != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *p.TS)
		if err != nil {
			return Result{}, dterrors.NewValidationError(dterrors.CodeInvalidTimestamp, "ts must be an RFC 3339 timestamp")
		}
		ts = parsed
	}

	host := defaultHost
	if p.Host != nil {
		if h := strings.TrimSpace(*p.Host); h != "" {
			host = h
		}
	}

	decision, err := s.gate.AuthorizeIngestion(ctx, host, key)
	if err != nil {
		return Result{}, err
	}
	if !decision.Admitted {
		return Result{}, decision.Err()
	}

	d, ok := s.classifier.Classify(*p.UA)
	if !ok {
		s.metrics.ObserveIgnored(SourceIngest)
		s.unmatched.Record(*p.UA, tenant.Namespace(host))
		return Result{Ignored: true}, nil
	}

	hit := types.BotHit{
		TS:         types.FormatTimestamp(ts),
		IP:         p.IP,
		UA:         *p.UA,
		Host:       host,
		Path:       valueOr(p.Path, "/"),
		Method:     valueOr(p.Method, "GET"),
		Country:    p.Country,
		Colo:       p.Colo,
		BotFamily:  d.Family,
		BotType:    d.Type,
		Confidence: d.Confidence,
		Reason:     d.Reason,
	}

	s.metrics.ObserveClassified(SourceIngest, string(d.Family), string(d.Type))
	if !s.recorder.Record(ctx, tenant.Namespace(host), hit) {
		// Shutting down; the caller may retry against another instance.
		return Result{}, dterrors.NewStorageError(dterrors.CodeWriteFailed, "recorder is not accepting hits", nil)
	}
	return Result{Stored: true, Family: d.Family, Type: d.Type}, nil
}

// Observe classifies a request received by this service and, on a match,
// schedules it for the request's own host without authorization.
func (s *Service) Observe(ctx context.Context, r NativeRequest) (types.Detection, bool) {
	d, ok := s.classifier.Classify(r.UA)
	if !ok {
		s.metrics.ObserveIgnored(SourceNative)
		s.unmatched.Record(r.UA, tenant.Namespace(r.Host))
		return types.Detection{}, false
	}

	hit := types.BotHit{
		TS:         types.FormatTimestamp(s.clock.Now()),
		IP:         r.IP,
		UA:         r.UA,
		Host:       r.Host,
		Path:       r.Path,
		Method:     r.Method,
		Country:    r.Country,
		Colo:       r.Colo,
		BotFamily:  d.Family,
		BotType:    d.Type,
		Confidence: d.Confidence,
		Reason:     d.Reason,
	}

	s.logger.Debug(ctx, "observed crawler",
		slog.F("host", r.Host),
		slog.F("family", d.Family),
		slog.F("type", d.Type),
		slog.F("path", r.Path),
	)
	s.metrics.ObserveClassified(SourceNative, string(d.Family), string(d.Type))
	s.recorder.Record(ctx, tenant.Namespace(r.Host), hit)
	return d, true
}

func valueOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
