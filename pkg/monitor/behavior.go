package monitor

import (
	"fmt"
	"time"

	"github.com/avct/uasurfer"
)

const (
	unusualHoursStart = 2
	unusualHoursEnd   = 5

	rapidActionWindow    = time.Minute
	rapidActionThreshold = 30

	exfiltrationSizeThreshold = 10 << 20 // 10MB
	exportBurstWindow         = 10 * time.Minute
	exportBurstThreshold      = 5
)

// BehaviorMetadata carries the request context AnalyzeUserBehavior compares
// against the user's previous activity.
type BehaviorMetadata struct {
	PreviousIP        string
	CurrentIP         string
	PreviousUserAgent string
	CurrentUserAgent  string
}

type BehaviorResult struct {
	Suspicious bool
	Reasons    []string
}

// AnalyzeUserBehavior records an action for the user and checks it against
// simple anomaly heuristics. A suspicious result also produces a medium
// severity event.
func (m *Monitor) AnalyzeUserBehavior(userID, action string, meta BehaviorMetadata) BehaviorResult {
	var reasons []string

	hour := m.timeProvider().Hour()
	if hour >= unusualHoursStart && hour <= unusualHoursEnd {
		reasons = append(reasons, "activity during unusual hours")
	}

	if meta.PreviousUserAgent != "" && meta.CurrentUserAgent != "" &&
		meta.PreviousUserAgent != meta.CurrentUserAgent {
		reasons = append(reasons, describeAgentChange(meta.PreviousUserAgent, meta.CurrentUserAgent))
	}

	m.RecordMetric(userID+":actions", 1)
	if m.metricSum(userID+":actions", rapidActionWindow) > rapidActionThreshold {
		reasons = append(reasons, "too many actions in short time")
	}

	if len(reasons) == 0 {
		return BehaviorResult{}
	}

	m.LogEvent(ThreatSuspiciousActivity, LevelMedium, userID, BehaviorDetails{
		Action:  action,
		Reasons: reasons,
	}, nil)
	return BehaviorResult{Suspicious: true, Reasons: reasons}
}

func describeAgentChange(previous, current string) string {
	prev := uasurfer.Parse(previous)
	curr := uasurfer.Parse(current)
	if prev.Browser.Name != curr.Browser.Name || prev.OS.Name != curr.OS.Name {
		return fmt.Sprintf("user agent changed from %s/%s to %s/%s",
			prev.Browser.Name, prev.OS.Name, curr.Browser.Name, curr.OS.Name)
	}
	return "user agent changed mid-session"
}

// DetectDataExfiltration flags oversized transfers immediately and export
// bursts over a ten minute window. It returns true when either check fires.
func (m *Monitor) DetectDataExfiltration(userID string, dataSize int64, endpoint string) bool {
	if dataSize > exfiltrationSizeThreshold {
		m.LogEvent(ThreatDataExfiltration, LevelCritical, userID, ExfiltrationDetails{
			DataSize: dataSize,
			Endpoint: endpoint,
		}, &EventOpts{Blocked: true, AutoResponse: string(ResponseBlock)})
		m.ExecuteResponse(ResponseBlock, userID, ThreatDataExfiltration)
		return true
	}

	m.RecordMetric(userID+":exports", 1)
	count := m.metricSum(userID+":exports", exportBurstWindow)
	if count >= exportBurstThreshold {
		m.LogEvent(ThreatDataExfiltration, LevelHigh, userID, ExportBurstDetails{
			ExportCount: int(count),
			Endpoint:    endpoint,
		}, &EventOpts{AutoResponse: string(ResponseAlert)})
		return true
	}
	return false
}

// DetectPrivilegeEscalation records an attempt to perform an action above
// the user's role. These are always treated as high severity and blocked.
func (m *Monitor) DetectPrivilegeEscalation(userID, attemptedAction, requiredRole string) SecurityEvent {
	return m.LogEvent(ThreatPrivilegeEscalation, LevelHigh, userID, EscalationDetails{
		AttemptedAction: attemptedAction,
		RequiredRole:    requiredRole,
	}, &EventOpts{Blocked: true, AutoResponse: "block_and_alert"})
}

func (m *Monitor) metricSum(name string, window time.Duration) float64 {
	cutoff := m.timeProvider().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0.0
	for _, sample := range m.metrics[name] {
		if !sample.timestamp.Before(cutoff) {
			total += sample.value
		}
	}
	return total
}
