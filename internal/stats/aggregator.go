// Package stats maintains per-tenant traffic aggregates in a kv.Store:
// counters, hourly rollups, top paths and a bounded recent-event log.
//
// The store offers only get and put, so every increment is a read followed
// by a write. Two hits for the same tenant and family that interleave may
// both read the same value and one increment is lost. The same holds for the
// top-path map and the event log. Counts are therefore lower bounds under
// concurrency; they never go negative and unparseable values read as zero.
package stats

import (
	"context"
	"sort"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/kv"
	"github.com/scopeai/aidetector/pkg/types"
)

// Defaults for Options.
const (
	DefaultMaxEvents       = 200
	DefaultTopPaths        = 10
	DefaultReadConcurrency = 8
)

// Options configures an Aggregator.
type Options struct {
	// MaxEvents caps the recent event log of each tenant.
	MaxEvents int
	// TopPaths is the size of the top-path snapshot.
	TopPaths int
	// ReadConcurrency bounds parallel store reads of one query.
	ReadConcurrency int
}

func (o *Options) setDefaults() {
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.TopPaths <= 0 {
		o.TopPaths = DefaultTopPaths
	}
	if o.ReadConcurrency <= 0 {
		o.ReadConcurrency = DefaultReadConcurrency
	}
}

// Aggregator is the only writer of counters, rollups, top paths and event
// logs.
type Aggregator struct {
	store  kv.Store
	logger slog.Logger
	opts   Options
}

// NewAggregator creates an Aggregator over store.
func NewAggregator(store kv.Store, logger slog.Logger, opts Options) *Aggregator {
	opts.setDefaults()
	return &Aggregator{
		store:  store,
		logger: logger.Named("aggregator"),
		opts:   opts,
	}
}

// RecordHit applies hit to the aggregates of namespace ns. The steps run in
// a fixed order and the first failure aborts the remaining ones, so a
// failure can leave earlier counters incremented.
func (a *Aggregator) RecordHit(ctx context.Context, ns string, hit types.BotHit) error {
	fam := hit.BotFamily

	if err := a.incr(ctx, StatsKey(ns, fam, FieldTotal)); err != nil {
		return err
	}
	if err := a.incr(ctx, StatsKey(ns, fam, string(hit.BotType))); err != nil {
		return err
	}
	if err := a.put(ctx, StatsKey(ns, fam, FieldLastSeen), hit.TS); err != nil {
		return err
	}
	if err := a.incr(ctx, RollupKey(ns, fam, HourBucket(hit.TS))); err != nil {
		return err
	}
	if err := a.incr(ctx, PathKey(ns, fam, hit.Path)); err != nil {
		return err
	}
	if err := a.updateTopPaths(ctx, ns, fam, hit.Path); err != nil {
		return err
	}
	return a.appendEvent(ctx, ns, hit)
}

// ReadStats returns the counter set of one tenant and family. Missing keys
// read as zero or empty.
func (a *Aggregator) ReadStats(ctx context.Context, ns string, fam types.Family) (types.FamilyStats, error) {
	counterFields := []string{FieldTotal, string(types.TypeTraining), string(types.TypeSearch), string(types.TypeUser)}
	counters := make([]int64, len(counterFields))

	var (
		lastSeen *string
		topPaths []types.PathCount
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.ReadConcurrency)

	for i, field := range counterFields {
		g.Go(func() error {
			n, err := a.readCount(gctx, StatsKey(ns, fam, field))
			if err != nil {
				return err
			}
			counters[i] = n
			return nil
		})
	}
	g.Go(func() error {
		v, found, err := a.get(gctx, StatsKey(ns, fam, FieldLastSeen))
		if err != nil {
			return err
		}
		if found && v != "" {
			lastSeen = &v
		}
		return nil
	})
	g.Go(func() error {
		v, found, err := a.get(gctx, StatsKey(ns, fam, FieldTopPaths))
		if err != nil {
			return err
		}
		if found {
			if err := sonic.UnmarshalString(v, &topPaths); err != nil {
				a.logger.Warn(gctx, "ignoring malformed top paths",
					slog.F("namespace", ns), slog.F("family", fam), slog.Error(err))
				topPaths = nil
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return types.FamilyStats{}, err
	}
	if topPaths == nil {
		topPaths = []types.PathCount{}
	}

	return types.FamilyStats{
		Total:    counters[0],
		Training: counters[1],
		Search:   counters[2],
		User:     counters[3],
		LastSeen: lastSeen,
		TopPaths: topPaths,
	}, nil
}

// ReadAllStats reads the counter sets of several families.
func (a *Aggregator) ReadAllStats(ctx context.Context, ns string, families []types.Family) (map[types.Family]types.FamilyStats, error) {
	out := make(map[types.Family]types.FamilyStats, len(families))
	for _, fam := range families {
		s, err := a.ReadStats(ctx, ns, fam)
		if err != nil {
			return nil, err
		}
		out[fam] = s
	}
	return out, nil
}

// ReadEvents returns the recent event log of ns, oldest first.
func (a *Aggregator) ReadEvents(ctx context.Context, ns string) ([]types.BotHit, error) {
	return a.loadEvents(ctx, ns)
}

// ClearEvents empties the recent event log of ns.
func (a *Aggregator) ClearEvents(ctx context.Context, ns string) error {
	return a.put(ctx, EventsKey(ns), "[]")
}

func (a *Aggregator) incr(ctx context.Context, key string) error {
	n, err := a.readCount(ctx, key)
	if err != nil {
		return err
	}
	return a.put(ctx, key, strconv.FormatInt(n+1, 10))
}

// readCount parses the counter under key. Missing, unparseable and negative
// values read as zero.
func (a *Aggregator) readCount(ctx context.Context, key string) (int64, error) {
	v, found, err := a.get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	n, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

func (a *Aggregator) updateTopPaths(ctx context.Context, ns string, fam types.Family, path string) error {
	rawKey := StatsKey(ns, fam, FieldTopPathsRaw)

	counts := map[string]int64{}
	v, found, err := a.get(ctx, rawKey)
	if err != nil {
		return err
	}
	if found {
		if err := sonic.UnmarshalString(v, &counts); err != nil || counts == nil {
			a.logger.Warn(ctx, "resetting malformed top path map", slog.F("key", rawKey))
			counts = map[string]int64{}
		}
	}
	counts[path]++

	raw, err := sonic.MarshalString(counts)
	if err != nil {
		return dterrors.NewInternalError("failed to encode top path map", err)
	}
	if err := a.put(ctx, rawKey, raw); err != nil {
		return err
	}

	top, err := sonic.MarshalString(TopPaths(counts, a.opts.TopPaths))
	if err != nil {
		return dterrors.NewInternalError("failed to encode top paths", err)
	}
	return a.put(ctx, StatsKey(ns, fam, FieldTopPaths), top)
}

// TopPaths returns at most n entries of counts ordered by count descending,
// then path ascending.
func TopPaths(counts map[string]int64, n int) []types.PathCount {
	out := make([]types.PathCount, 0, len(counts))
	for p, c := range counts {
		out = append(out, types.PathCount{Path: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (a *Aggregator) appendEvent(ctx context.Context, ns string, hit types.BotHit) error {
	events, err := a.loadEvents(ctx, ns)
	if err != nil {
		return err
	}
	events = append(events, hit)
	if over := len(events) - a.opts.MaxEvents; over > 0 {
		events = events[over:]
	}

	raw, err := sonic.MarshalString(events)
	if err != nil {
		return dterrors.NewInternalError("failed to encode event log", err)
	}
	return a.put(ctx, EventsKey(ns), raw)
}

func (a *Aggregator) loadEvents(ctx context.Context, ns string) ([]types.BotHit, error) {
	key := EventsKey(ns)
	v, found, err := a.get(ctx, key)
	if err != nil {
		return nil, err
	}
	events := []types.BotHit{}
	if !found {
		return events, nil
	}
	if err := sonic.UnmarshalString(v, &events); err != nil || events == nil {
		a.logger.Warn(ctx, "ignoring malformed event log", slog.F("key", key))
		return []types.BotHit{}, nil
	}
	return events, nil
}

func (a *Aggregator) get(ctx context.Context, key string) (string, bool, error) {
	v, found, err := a.store.Get(ctx, key)
	if err != nil {
		return "", false, dterrors.NewStorageError(dterrors.CodeReadFailed, "store read failed", err).
			WithDetails(map[string]interface{}{"key": key})
	}
	return v, found, nil
}

func (a *Aggregator) put(ctx context.Context, key, value string) error {
	if err := a.store.Put(ctx, key, value); err != nil {
		return dterrors.NewStorageError(dterrors.CodeWriteFailed, "store write failed", err).
			WithDetails(map[string]interface{}{"key": key})
	}
	return nil
}
