package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/bytedance/sonic"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/kv"
	"github.com/scopeai/aidetector/pkg/types"
)

func newTestAggregator(t *testing.T, store kv.Store) *Aggregator {
	return NewAggregator(store, slogtest.Make(t, nil), Options{})
}

func testHit(ts, path string) types.BotHit {
	return types.BotHit{
		TS:         ts,
		UA:         "Mozilla/5.0 (compatible; ClaudeBot/1.0)",
		Host:       "shop.example",
		Path:       path,
		Method:     "GET",
		BotFamily:  types.FamilyAnthropic,
		BotType:    types.TypeTraining,
		Confidence: types.ConfidenceHigh,
		Reason:     types.ReasonUAMatch,
	}
}

func getKey(t *testing.T, s kv.Store, key string) string {
	t.Helper()
	v, found, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found, "missing key %s", key)
	return v
}

func TestRecordHit_WritesEveryAggregate(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	agg := newTestAggregator(t, store)

	hit := testHit("2026-01-17T16:29:03.416Z", "/products/1")
	require.NoError(t, agg.RecordHit(ctx, "shop.example", hit))

	require.Equal(t, "1", getKey(t, store, "stats:shop.example:anthropic:total"))
	require.Equal(t, "1", getKey(t, store, "stats:shop.example:anthropic:training"))
	require.Equal(t, "2026-01-17T16:29:03.416Z", getKey(t, store, "stats:shop.example:anthropic:last_seen"))
	require.Equal(t, "1", getKey(t, store, "rollup:shop.example:anthropic:2026-01-17T16"))
	require.Equal(t, "1", getKey(t, store, "stats:shop.example:anthropic:path:/products/1"))
	require.JSONEq(t, `{"/products/1":1}`, getKey(t, store, "stats:shop.example:anthropic:top_paths_raw"))
	require.JSONEq(t, `[{"path":"/products/1","count":1}]`, getKey(t, store, "stats:shop.example:anthropic:top_paths"))

	var events []types.BotHit
	require.NoError(t, sonic.UnmarshalString(getKey(t, store, "events:recent:shop.example"), &events))
	require.Equal(t, []types.BotHit{hit}, events)

	_, found, err := store.Get(ctx, "stats:shop.example:anthropic:search")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRecordHit_IncrementsFromStoredValues(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "stats:shop.example:anthropic:total", "41"))
	require.NoError(t, store.Put(ctx, "stats:shop.example:anthropic:training", "garbage"))
	agg := newTestAggregator(t, store)

	require.NoError(t, agg.RecordHit(ctx, "shop.example", testHit("2026-01-17T16:29:03.416Z", "/")))

	require.Equal(t, "42", getKey(t, store, "stats:shop.example:anthropic:total"))
	require.Equal(t, "1", getKey(t, store, "stats:shop.example:anthropic:training"))
}

func TestProperty_SequentialHitsIncrementByOne(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("n sequential hits leave total at n", prop.ForAll(
		func(n int, typ types.BotType) bool {
			ctx := context.Background()
			store := kv.NewMemoryStore()
			agg := NewAggregator(store, slogtest.Make(t, nil), Options{})

			for i := 0; i < n; i++ {
				hit := testHit("2026-01-17T16:00:00.000Z", "/")
				hit.BotType = typ
				if err := agg.RecordHit(ctx, "a.example", hit); err != nil {
					return false
				}
			}
			s, err := agg.ReadStats(ctx, "a.example", types.FamilyAnthropic)
			if err != nil {
				return false
			}
			byType := map[types.BotType]int64{
				types.TypeTraining: s.Training,
				types.TypeSearch:   s.Search,
				types.TypeUser:     s.User,
			}
			return s.Total == int64(n) && byType[typ] == int64(n) && s.Training+s.Search+s.User == int64(n)
		},
		gen.IntRange(1, 20),
		gen.OneConstOf(types.TypeTraining, types.TypeSearch, types.TypeUser),
	))

	properties.TestingRun(t)
}

func TestRecordHit_EventLogCapped(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	agg := newTestAggregator(t, store)

	for i := 0; i < 201; i++ {
		require.NoError(t, agg.RecordHit(ctx, "shop.example", testHit("2026-01-17T16:29:03.416Z", fmt.Sprintf("/p/%d", i))))
	}

	events, err := agg.ReadEvents(ctx, "shop.example")
	require.NoError(t, err)
	require.Len(t, events, 200)
	require.Equal(t, "/p/1", events[0].Path)
	require.Equal(t, "/p/200", events[199].Path)
}

func TestRecordHit_TopPathsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	agg := newTestAggregator(t, store)

	// Path i gets i+1 hits, so /p/11 leads and /p/0, /p/1 fall out.
	for i := 0; i < 12; i++ {
		for j := 0; j <= i; j++ {
			require.NoError(t, agg.RecordHit(ctx, "shop.example", testHit("2026-01-17T16:29:03.416Z", fmt.Sprintf("/p/%d", i))))
		}
	}

	s, err := agg.ReadStats(ctx, "shop.example", types.FamilyAnthropic)
	require.NoError(t, err)
	require.Len(t, s.TopPaths, 10)
	require.Equal(t, types.PathCount{Path: "/p/11", Count: 12}, s.TopPaths[0])
	require.Equal(t, types.PathCount{Path: "/p/2", Count: 3}, s.TopPaths[9])
	for i := 1; i < len(s.TopPaths); i++ {
		require.GreaterOrEqual(t, s.TopPaths[i-1].Count, s.TopPaths[i].Count)
	}
}

func TestTopPaths_TiesByPath(t *testing.T) {
	got := TopPaths(map[string]int64{"/b": 2, "/a": 2, "/c": 5, "/d": 1}, 3)
	require.Equal(t, []types.PathCount{
		{Path: "/c", Count: 5},
		{Path: "/a", Count: 2},
		{Path: "/b", Count: 2},
	}, got)
	require.Empty(t, TopPaths(nil, 10))
}

func TestReadStats_Empty(t *testing.T) {
	agg := newTestAggregator(t, kv.NewMemoryStore())

	s, err := agg.ReadStats(context.Background(), "nobody.example", types.FamilyOpenAI)
	require.NoError(t, err)
	require.Zero(t, s.Total)
	require.Nil(t, s.LastSeen)
	require.NotNil(t, s.TopPaths)
	require.Empty(t, s.TopPaths)
}

func TestReadStats_MalformedTopPaths(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "stats:a:openai:top_paths", "{oops"))
	require.NoError(t, store.Put(ctx, "stats:a:openai:total", "7"))

	s, err := newTestAggregator(t, store).ReadStats(ctx, "a", types.FamilyOpenAI)
	require.NoError(t, err)
	require.Equal(t, int64(7), s.Total)
	require.Empty(t, s.TopPaths)
}

func TestReadAllStats(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, kv.NewMemoryStore())
	require.NoError(t, agg.RecordHit(ctx, "a", testHit("2026-01-17T16:29:03.416Z", "/")))

	all, err := agg.ReadAllStats(ctx, "a", []types.Family{types.FamilyOpenAI, types.FamilyAnthropic})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[types.FamilyAnthropic].Total)
	require.Zero(t, all[types.FamilyOpenAI].Total)
}

func TestClearEvents(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	agg := newTestAggregator(t, store)
	require.NoError(t, agg.RecordHit(ctx, "a", testHit("2026-01-17T16:29:03.416Z", "/")))

	require.NoError(t, agg.ClearEvents(ctx, "a"))
	require.Equal(t, "[]", getKey(t, store, "events:recent:a"))

	events, err := agg.ReadEvents(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, events)
	require.Empty(t, events)

	// Counters survive.
	require.Equal(t, "1", getKey(t, store, "stats:a:anthropic:total"))
}

func TestReadEvents_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, kv.NewMemoryStore())
	require.NoError(t, agg.RecordHit(ctx, "a.example", testHit("2026-01-17T16:29:03.416Z", "/a")))
	require.NoError(t, agg.RecordHit(ctx, "b.example", testHit("2026-01-17T16:29:03.416Z", "/b")))

	events, err := agg.ReadEvents(ctx, "a.example")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "/a", events[0].Path)
}

// flakyStore fails every Put whose key has the given prefix.
type flakyStore struct {
	*kv.MemoryStore
	failPrefix string
}

func (f *flakyStore) Put(ctx context.Context, key, value string) error {
	if strings.HasPrefix(key, f.failPrefix) {
		return fmt.Errorf("%w: disk full", kv.ErrWriteFailed)
	}
	return f.MemoryStore.Put(ctx, key, value)
}

func TestRecordHit_AbortsOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: kv.NewMemoryStore(), failPrefix: "rollup:"}
	agg := NewAggregator(store, slogtest.Make(t, nil), Options{})

	err := agg.RecordHit(ctx, "shop.example", testHit("2026-01-17T16:29:03.416Z", "/x"))
	require.Error(t, err)
	require.Equal(t, dterrors.CodeWriteFailed, dterrors.GetCode(err))
	require.True(t, dterrors.IsRetryable(err))

	// Steps before the rollup landed, steps after it did not.
	require.Equal(t, "1", getKey(t, store, "stats:shop.example:anthropic:total"))
	require.Equal(t, "1", getKey(t, store, "stats:shop.example:anthropic:training"))
	for _, key := range []string{
		"stats:shop.example:anthropic:path:/x",
		"stats:shop.example:anthropic:top_paths",
		"events:recent:shop.example",
	} {
		_, found, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, found, key)
	}
}

func TestRecordHit_ConcurrentNeverNegative(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, kv.NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = agg.RecordHit(ctx, "a", testHit("2026-01-17T16:29:03.416Z", "/"))
			}
		}()
	}
	wg.Wait()

	s, err := agg.ReadStats(ctx, "a", types.FamilyAnthropic)
	require.NoError(t, err)
	require.Greater(t, s.Total, int64(0))
	require.LessOrEqual(t, s.Total, int64(200))
}

func TestRollups_24h(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	agg := newTestAggregator(t, store)

	require.NoError(t, store.Put(ctx, "rollup:a:openai:2026-01-17T16", "3"))
	require.NoError(t, store.Put(ctx, "rollup:a:openai:2026-01-16T17", "2"))
	require.NoError(t, store.Put(ctx, "rollup:a:openai:2026-01-16T16", "100")) // outside window

	now := time.Date(2026, 1, 17, 16, 45, 0, 0, time.UTC)
	r, err := agg.ReadRollups(ctx, "a", types.FamilyOpenAI, Range24h, now)
	require.NoError(t, err)

	require.Equal(t, "24h", r.Range)
	require.Len(t, r.Series, 24)
	require.Equal(t, "2026-01-16T17", r.Series[0].Hour)
	require.Equal(t, int64(2), r.Series[0].Count)
	require.Equal(t, "2026-01-17T16", r.Series[23].Hour)
	require.Equal(t, int64(3), r.Series[23].Count)
	require.Equal(t, int64(5), r.Total)

	for i := 1; i < len(r.Series); i++ {
		require.Less(t, r.Series[i-1].Hour, r.Series[i].Hour)
	}
}

func TestRollups_RangeSizes(t *testing.T) {
	agg := newTestAggregator(t, kv.NewMemoryStore())
	now := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)

	for rng, want := range map[Range]int{Range24h: 24, Range7d: 168, Range30d: 720} {
		r, err := agg.ReadRollups(context.Background(), "a", types.FamilyGoogle, rng, now)
		require.NoError(t, err)
		require.Len(t, r.Series, want)
		require.Equal(t, "2026-03-01T00", r.Series[want-1].Hour)
		require.Zero(t, r.Total)
	}
}

func TestRollups_NonUTCNow(t *testing.T) {
	agg := newTestAggregator(t, kv.NewMemoryStore())
	tz := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 1, 17, 18, 10, 0, 0, tz)

	r, err := agg.ReadRollups(context.Background(), "a", types.FamilyOpenAI, Range24h, now)
	require.NoError(t, err)
	require.Equal(t, "2026-01-17T16", r.Series[23].Hour)
}

func TestParseRange(t *testing.T) {
	for _, s := range []string{"24h", "7d", "30d"} {
		r, err := ParseRange(s)
		require.NoError(t, err)
		require.Equal(t, Range(s), r)
	}
	for _, s := range []string{"", "1h", "24H", "90d"} {
		_, err := ParseRange(s)
		require.Error(t, err)
		require.Equal(t, dterrors.CodeInvalidRange, dterrors.GetCode(err))
	}
}

func TestHourBucket(t *testing.T) {
	require.Equal(t, "2026-01-17T16", HourBucket("2026-01-17T16:29:03.416Z"))
	require.Equal(t, "2026", HourBucket("2026"))
}

func TestProperty_HourBucketIsPrefix(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("hour bucket matches the formatted hour", prop.ForAll(
		func(sec int64) bool {
			ts := time.Unix(sec, 0).UTC()
			return HourBucket(types.FormatTimestamp(ts)) == HourOf(ts)
		},
		gen.Int64Range(0, 4102444800),
	))

	properties.TestingRun(t)
}
