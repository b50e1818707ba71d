package observability

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
)

// DefaultMaxAgents bounds the number of distinct user agents tracked.
const DefaultMaxAgents = 1000

// maxAgentLen truncates pathological user agents before they are tracked.
const maxAgentLen = 512

// MaxHostsPerAgent bounds the hosts remembered for one user agent. Sightings
// on further hosts still count toward Frequency.
const MaxHostsPerAgent = 32

// UnmatchedAgents tracks how often user agents that matched no rule were
// seen. Operators use the top entries to spot crawlers that need a rule.
type UnmatchedAgents struct {
	mu        sync.RWMutex
	agents    map[string]*AgentStats
	window    time.Duration
	maxAgents int
	clock     quartz.Clock
}

// AgentStats holds statistics for one user agent.
type AgentStats struct {
	UserAgent string           `json:"ua"`
	Frequency int64            `json:"count"`
	LastSeen  time.Time        `json:"last_seen"`
	Hosts     map[string]int64 `json:"hosts"`
}

// NewUnmatchedAgents creates a tracker.
// window: entries not seen for longer than this are dropped by Prune.
func NewUnmatchedAgents(window time.Duration, maxAgents int, clock quartz.Clock) *UnmatchedAgents {
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}
	return &UnmatchedAgents{
		agents:    make(map[string]*AgentStats),
		window:    window,
		maxAgents: maxAgents,
		clock:     clock,
	}
}

// Record counts one sighting of ua on host. New agents are ignored once the
// tracker is full until Prune frees space.
// This method is O(1) and thread-safe.
func (u *UnmatchedAgents) Record(ua, host string) {
	if u == nil || ua == "" {
		return
	}
	ua = truncateAgent(ua)

	u.mu.Lock()
	defer u.mu.Unlock()

	stats, exists := u.agents[ua]
	if !exists {
		if len(u.agents) >= u.maxAgents {
			return
		}
		stats = &AgentStats{
			UserAgent: ua,
			Hosts:     make(map[string]int64),
		}
		u.agents[ua] = stats
	}

	stats.Frequency++
	stats.LastSeen = u.clock.Now()
	if _, seen := stats.Hosts[host]; seen || len(stats.Hosts) < MaxHostsPerAgent {
		stats.Hosts[host]++
	}
}

// truncateAgent cuts ua to at most maxAgentLen bytes on a rune boundary.
func truncateAgent(ua string) string {
	if len(ua) <= maxAgentLen {
		return ua
	}
	cut := maxAgentLen
	for cut > 0 && !utf8.RuneStart(ua[cut]) {
		cut--
	}
	return ua[:cut]
}

// Top returns the n most frequent agents, most frequent first.
// Returns copies, so callers may modify them.
func (u *UnmatchedAgents) Top(n int) []AgentStats {
	if u == nil {
		return []AgentStats{}
	}
	u.mu.RLock()
	defer u.mu.RUnlock()

	if n <= 0 || len(u.agents) == 0 {
		return []AgentStats{}
	}

	stats := make([]AgentStats, 0, len(u.agents))
	for _, s := range u.agents {
		statsCopy := AgentStats{
			UserAgent: s.UserAgent,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Hosts:     make(map[string]int64, len(s.Hosts)),
		}
		for h, c := range s.Hosts {
			statsCopy.Hosts[h] = c
		}
		stats = append(stats, statsCopy)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].UserAgent < stats[j].UserAgent
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
// This should be called periodically (e.g., every 5 minutes).
func (u *UnmatchedAgents) Prune() {
	u.mu.Lock()
	defer u.mu.Unlock()

	threshold := u.clock.Now().Add(-u.window)
	for ua, stats := range u.agents {
		if stats.LastSeen.Before(threshold) {
			delete(u.agents, ua)
		}
	}
}

// Len returns the number of tracked agents.
func (u *UnmatchedAgents) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.agents)
}
