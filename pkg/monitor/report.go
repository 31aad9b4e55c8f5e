package monitor

import (
	"sort"
	"time"
)

type Stats struct {
	TotalEvents   int                 `json:"total_events"`
	EventsByLevel map[ThreatLevel]int `json:"events_by_level"`
	EventsByType  map[ThreatType]int  `json:"events_by_type"`
	BlockedEvents int                 `json:"blocked_events"`
	RecentEvents  []SecurityEvent     `json:"recent_events"`
}

type EventFilter struct {
	Type      ThreatType
	Level     ThreatLevel
	Source    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

type ThreatCount struct {
	Type  ThreatType `json:"type"`
	Count int        `json:"count"`
}

type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

type Report struct {
	Period          string        `json:"period"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Summary         Stats         `json:"summary"`
	TopThreats      []ThreatCount `json:"top_threats"`
	TopSources      []SourceCount `json:"top_sources"`
	Recommendations []string      `json:"recommendations"`
}

const recentEventCount = 20

// GetStats aggregates events recorded within the window. A non-positive
// window covers everything retained.
func (m *Monitor) GetStats(window time.Duration) Stats {
	now := m.timeProvider()

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		EventsByLevel: make(map[ThreatLevel]int),
		EventsByType:  make(map[ThreatType]int),
	}
	var matched []SecurityEvent
	for _, event := range m.events {
		if window > 0 && event.Timestamp.Before(now.Add(-window)) {
			continue
		}
		matched = append(matched, event)
		stats.TotalEvents++
		stats.EventsByLevel[event.Level]++
		stats.EventsByType[event.Type]++
		if event.Blocked {
			stats.BlockedEvents++
		}
	}
	if len(matched) > recentEventCount {
		matched = matched[len(matched)-recentEventCount:]
	}
	stats.RecentEvents = append([]SecurityEvent(nil), matched...)
	return stats
}

// QueryEvents returns retained events matching the filter, newest first.
func (m *Monitor) QueryEvents(filter EventFilter) []SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		event := m.events[i]
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if filter.Level != "" && event.Level != filter.Level {
			continue
		}
		if filter.Source != "" && event.Source != filter.Source {
			continue
		}
		if !filter.StartTime.IsZero() && event.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && event.Timestamp.After(filter.EndTime) {
			continue
		}
		matched = append(matched, event)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched
}

// GenerateReport builds a summary for "hourly", "daily" or "weekly" periods.
// Unknown periods fall back to daily.
func (m *Monitor) GenerateReport(period string) Report {
	var window time.Duration
	switch period {
	case "hourly":
		window = time.Hour
	case "weekly":
		window = 7 * 24 * time.Hour
	default:
		period = "daily"
		window = 24 * time.Hour
	}

	stats := m.GetStats(window)

	byType := make(map[ThreatType]int, len(stats.EventsByType))
	for t, c := range stats.EventsByType {
		byType[t] = c
	}
	bySource := make(map[string]int)
	now := m.timeProvider()
	m.mu.RLock()
	for _, event := range m.events {
		if event.Timestamp.Before(now.Add(-window)) {
			continue
		}
		bySource[event.Source]++
	}
	m.mu.RUnlock()

	return Report{
		Period:          period,
		GeneratedAt:     now,
		Summary:         stats,
		TopThreats:      topThreats(byType, 5),
		TopSources:      topSources(bySource, 5),
		Recommendations: recommendations(stats),
	}
}

func topThreats(counts map[ThreatType]int, limit int) []ThreatCount {
	out := make([]ThreatCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, ThreatCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topSources(counts map[string]int, limit int) []SourceCount {
	out := make([]SourceCount, 0, len(counts))
	for s, c := range counts {
		out = append(out, SourceCount{Source: s, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Source < out[j].Source
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func recommendations(stats Stats) []string {
	var recs []string
	if stats.EventsByType[ThreatBruteForce] > 0 {
		recs = append(recs, "Consider enabling CAPTCHA or account lockout policies")
	}
	if stats.EventsByType[ThreatDOSAttack] > 0 {
		recs = append(recs, "Consider tightening rate limits for affected endpoints")
	}
	if stats.EventsByType[ThreatSQLInjection] > 0 || stats.EventsByType[ThreatXSSAttempt] > 0 {
		recs = append(recs, "Review input validation and output encoding")
	}
	if stats.EventsByType[ThreatDataExfiltration] > 0 {
		recs = append(recs, "Audit data access permissions for flagged accounts")
	}
	if stats.EventsByLevel[LevelCritical] > 0 {
		recs = append(recs, "Immediate security review recommended due to critical events")
	}
	if len(recs) == 0 {
		recs = append(recs, "No immediate action required")
	}
	return recs
}
