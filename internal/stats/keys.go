package stats

import (
	"github.com/scopeai/aidetector/pkg/types"
)

// Counter and snapshot fields stored under stats:{ns}:{family}:{field}.
const (
	FieldTotal       = "total"
	FieldLastSeen    = "last_seen"
	FieldTopPaths    = "top_paths"
	FieldTopPathsRaw = "top_paths_raw"
)

// StatsKey returns the key of one per-family field.
func StatsKey(ns string, family types.Family, field string) string {
	return "stats:" + ns + ":" + string(family) + ":" + field
}

// PathKey returns the key of a per-path counter.
func PathKey(ns string, family types.Family, path string) string {
	return StatsKey(ns, family, "path:"+path)
}

// RollupKey returns the key of one hourly bucket.
func RollupKey(ns string, family types.Family, hour string) string {
	return "rollup:" + ns + ":" + string(family) + ":" + hour
}

// EventsKey returns the key of a tenant's recent event log.
func EventsKey(ns string) string {
	return "events:recent:" + ns
}
