package stats

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/pkg/types"
)

// HourLayout is the layout of an hourly bucket label, e.g. "2026-01-17T16".
const HourLayout = "2006-01-02T15"

// Range is a rollup window.
type Range string

const (
	Range24h Range = "24h"
	Range7d  Range = "7d"
	Range30d Range = "30d"
)

// Hours returns the number of hourly buckets in r.
func (r Range) Hours() int {
	switch r {
	case Range24h:
		return 24
	case Range7d:
		return 24 * 7
	case Range30d:
		return 24 * 30
	}
	return 0
}

// ParseRange validates s as a Range.
func ParseRange(s string) (Range, error) {
	r := Range(s)
	if r.Hours() == 0 {
		return "", dterrors.NewValidationError(dterrors.CodeInvalidRange,
			fmt.Sprintf("range must be one of 24h, 7d, 30d, got %q", s))
	}
	return r, nil
}

// HourBucket returns the hourly bucket label of an ISO-8601 timestamp: its
// first 13 characters. Shorter inputs are returned unchanged.
func HourBucket(ts string) string {
	if len(ts) < len(HourLayout) {
		return ts
	}
	return ts[:len(HourLayout)]
}

// HourOf returns the bucket label of t in UTC.
func HourOf(t time.Time) string {
	return t.UTC().Format(HourLayout)
}

// ReadRollups returns the hourly counts of the rng window ending at the
// UTC hour containing now, oldest first.
func (a *Aggregator) ReadRollups(ctx context.Context, ns string, fam types.Family, rng Range, now time.Time) (types.RollupSeries, error) {
	hours := rng.Hours()
	if hours == 0 {
		return types.RollupSeries{}, dterrors.NewValidationError(dterrors.CodeInvalidRange,
			fmt.Sprintf("unknown range %q", rng))
	}

	end := now.UTC().Truncate(time.Hour)
	series := make([]types.RollupPoint, hours)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.ReadConcurrency)

	for i := range series {
		hour := HourOf(end.Add(-time.Duration(hours-1-i) * time.Hour))
		g.Go(func() error {
			n, err := a.readCount(gctx, RollupKey(ns, fam, hour))
			if err != nil {
				return err
			}
			series[i] = types.RollupPoint{Hour: hour, Count: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.RollupSeries{}, err
	}

	var total int64
	for _, p := range series {
		total += p.Count
	}
	return types.RollupSeries{Range: string(rng), Total: total, Series: series}, nil
}
