package types

// PathCount is one entry of a top-paths snapshot.
type PathCount struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// FamilyStats is the counter set of one tenant and family.
type FamilyStats struct {
	Total    int64       `json:"total"`
	Training int64       `json:"training"`
	Search   int64       `json:"search"`
	User     int64       `json:"user"`
	LastSeen *string     `json:"last_seen"`
	TopPaths []PathCount `json:"top_paths"`
}

// RollupPoint is the hit count of one UTC hour.
type RollupPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}

// RollupSeries is a chronologically ordered run of hourly buckets.
type RollupSeries struct {
	Range  string        `json:"range"`
	Total  int64         `json:"total"`
	Series []RollupPoint `json:"series"`
}
