package stats

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/observability"
	"github.com/scopeai/aidetector/pkg/types"
)

// Runner runs background tasks. It returns false when it no longer accepts
// work. *server.ShutdownManager implements it.
type Runner interface {
	Go(fn func()) bool
}

// DefaultRecordTimeout bounds one background RecordHit.
const DefaultRecordTimeout = 30 * time.Second

// Recorder applies hits to the Aggregator off the request path. Failures
// are logged and counted; they never reach the requester.
type Recorder struct {
	agg     *Aggregator
	runner  Runner
	logger  slog.Logger
	metrics *observability.Metrics
	clock   quartz.Clock
	timeout time.Duration
}

// NewRecorder creates a Recorder. metrics may be nil.
func NewRecorder(agg *Aggregator, runner Runner, logger slog.Logger, metrics *observability.Metrics, clock quartz.Clock) *Recorder {
	return &Recorder{
		agg:     agg,
		runner:  runner,
		logger:  logger.Named("recorder"),
		metrics: metrics,
		clock:   clock,
		timeout: DefaultRecordTimeout,
	}
}

// Record schedules hit for namespace ns. The update outlives ctx's
// cancellation but keeps its values. It reports whether the update was
// scheduled.
func (r *Recorder) Record(ctx context.Context, ns string, hit types.BotHit) bool {
	bg := context.WithoutCancel(ctx)
	r.metrics.ObserveRecordStart()

	scheduled := r.runner.Go(func() {
		start := r.clock.Now()
		tctx, cancel := context.WithTimeout(bg, r.timeout)
		defer cancel()

		err := r.agg.RecordHit(tctx, ns, hit)
		code := ""
		if err != nil {
			code = dterrors.GetCode(err)
			if code == "" {
				code = dterrors.CodeUnexpected
			}
			r.logger.Error(bg, "failed to record hit",
				slog.F("namespace", ns),
				slog.F("family", hit.BotFamily),
				slog.F("path", hit.Path),
				slog.Error(err),
			)
		}
		r.metrics.ObserveRecordDone(r.clock.Now().Sub(start).Seconds(), code)
	})
	if !scheduled {
		r.metrics.ObserveRecordDone(0, "shutting_down")
		r.logger.Warn(bg, "dropping hit during shutdown",
			slog.F("namespace", ns), slog.F("family", hit.BotFamily))
	}
	return scheduled
}
