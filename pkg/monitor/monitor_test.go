package monitor_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuraledge/edgesec/pkg/monitor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeBlocker struct {
	mu     sync.Mutex
	blocks map[string]string
}

func newFakeBlocker() *fakeBlocker {
	return &fakeBlocker{blocks: make(map[string]string)}
}

func (b *fakeBlocker) Block(ip string, _ time.Duration, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[ip] = reason
}

func (b *fakeBlocker) reason(ip string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.blocks[ip]
	return r, ok
}

type channelNotifier struct {
	alerts chan monitor.Alert
}

func (n *channelNotifier) Notify(_ context.Context, alert monitor.Alert) error {
	n.alerts <- alert
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestMonitor(t *testing.T, cfg monitor.Config) (*monitor.Monitor, *fakeClock, *fakeBlocker, *channelNotifier) {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC))
	blocker := newFakeBlocker()
	notifier := &channelNotifier{alerts: make(chan monitor.Alert, 16)}
	m := monitor.New(cfg, testLogger(), monitor.Opts{
		Blocker:      blocker,
		Notifier:     notifier,
		TimeProvider: clock.Now,
	})
	return m, clock, blocker, notifier
}

func waitForAlert(t *testing.T, n *channelNotifier) monitor.Alert {
	t.Helper()
	select {
	case alert := <-n.alerts:
		return alert
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert to be dispatched")
		return monitor.Alert{}
	}
}

func TestMonitor_HighSeverityEventDispatchesAlert(t *testing.T) {
	m, _, _, notifier := newTestMonitor(t, monitor.Config{})

	event := m.LogEvent(monitor.ThreatUnauthorizedAccess, monitor.LevelHigh, "10.0.0.9", nil, nil)

	alert := waitForAlert(t, notifier)
	assert.Equal(t, event.ID, alert.Event.ID)
	assert.Equal(t, monitor.ThreatUnauthorizedAccess, alert.Event.Type)
}

func TestMonitor_LowSeverityEventDoesNotAlert(t *testing.T) {
	m, _, _, notifier := newTestMonitor(t, monitor.Config{})

	m.LogEvent(monitor.ThreatSuspiciousActivity, monitor.LevelLow, "10.0.0.9", nil, nil)

	select {
	case <-notifier.alerts:
		t.Fatal("low severity event must not produce an alert")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitor_EventBufferBounded(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, monitor.Config{MaxEvents: 5})

	for i := 0; i < 8; i++ {
		m.LogEvent(monitor.ThreatSuspiciousActivity, monitor.LevelLow, "10.0.0.9", nil, nil)
	}

	stats := m.GetStats(0)
	assert.Equal(t, 5, stats.TotalEvents)
}

func TestMonitor_BruteForcePatternFiresAtThreshold(t *testing.T) {
	m, _, blocker, _ := newTestMonitor(t, monitor.Config{})

	for i := 0; i < 4; i++ {
		m.RecordMetric("10.0.0.9:failed_login", 1)
	}
	assert.Empty(t, m.DetectThreats("10.0.0.9"))

	m.RecordMetric("10.0.0.9:failed_login", 1)
	fired := m.DetectThreats("10.0.0.9")

	require.Len(t, fired, 1)
	assert.Equal(t, monitor.ThreatBruteForce, fired[0].Type)
	assert.True(t, fired[0].Blocked)
	reason, blocked := blocker.reason("10.0.0.9")
	require.True(t, blocked)
	assert.Equal(t, string(monitor.ThreatBruteForce), reason)
}

func TestMonitor_PatternRequiresAllIndicators(t *testing.T) {
	cfg := monitor.Config{
		Patterns: []monitor.ThreatPattern{{
			Type: monitor.ThreatSessionHijacking,
			Indicators: []monitor.Indicator{
				{Metric: "ip_changes", Threshold: 2, Window: time.Minute},
				{Metric: "failed_login", Threshold: 3, Window: time.Minute},
			},
			Response: monitor.ResponseAlert,
		}},
	}
	m, _, blocker, _ := newTestMonitor(t, cfg)

	m.RecordMetric("user-7:ip_changes", 2)
	m.RecordMetric("user-7:failed_login", 2)
	assert.Empty(t, m.DetectThreats("user-7"), "pattern must not fire while one indicator is below threshold")

	m.RecordMetric("user-7:failed_login", 1)
	fired := m.DetectThreats("user-7")

	require.Len(t, fired, 1)
	assert.Equal(t, monitor.ThreatSessionHijacking, fired[0].Type)
	assert.False(t, fired[0].Blocked)
	_, blocked := blocker.reason("user-7")
	assert.False(t, blocked, "alert response must not block the source")
}

func TestMonitor_MetricWindowExcludesOldSamples(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, monitor.Config{})

	for i := 0; i < 5; i++ {
		m.RecordMetric("10.0.0.9:failed_login", 1)
	}
	clock.Advance(6 * time.Minute)

	assert.Empty(t, m.DetectThreats("10.0.0.9"), "samples outside the pattern window must not count")
}

func TestMonitor_LargeTransferIsCriticalAndBlocked(t *testing.T) {
	m, _, blocker, notifier := newTestMonitor(t, monitor.Config{})

	flagged := m.DetectDataExfiltration("user-3", 11<<20, "/api/export")

	require.True(t, flagged)
	alert := waitForAlert(t, notifier)
	assert.Equal(t, monitor.LevelCritical, alert.Event.Level)
	assert.True(t, alert.Event.Blocked)
	_, blocked := blocker.reason("user-3")
	assert.True(t, blocked)
}

func TestMonitor_ExportBurstAlertsWithoutBlocking(t *testing.T) {
	m, clock, blocker, notifier := newTestMonitor(t, monitor.Config{})

	for i := 0; i < 4; i++ {
		assert.False(t, m.DetectDataExfiltration("user-3", 1024, "/api/export"))
		clock.Advance(time.Minute)
	}
	flagged := m.DetectDataExfiltration("user-3", 1024, "/api/export")

	require.True(t, flagged, "fifth export inside the window must be flagged")
	alert := waitForAlert(t, notifier)
	assert.Equal(t, monitor.LevelHigh, alert.Event.Level)
	assert.False(t, alert.Event.Blocked)
	_, blocked := blocker.reason("user-3")
	assert.False(t, blocked)
}

func TestMonitor_ExportBurstWindowSlides(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, monitor.Config{})

	for i := 0; i < 4; i++ {
		m.DetectDataExfiltration("user-3", 1024, "/api/export")
	}
	clock.Advance(11 * time.Minute)

	assert.False(t, m.DetectDataExfiltration("user-3", 1024, "/api/export"),
		"exports outside the ten minute window must not count")
}

func TestMonitor_PrivilegeEscalationIsHighAndBlocked(t *testing.T) {
	m, _, _, notifier := newTestMonitor(t, monitor.Config{})

	event := m.DetectPrivilegeEscalation("user-5", "delete_all_users", "admin")

	assert.Equal(t, monitor.LevelHigh, event.Level)
	assert.True(t, event.Blocked)
	alert := waitForAlert(t, notifier)
	assert.Equal(t, monitor.ThreatPrivilegeEscalation, alert.Event.Type)
}

func TestMonitor_BehaviorUnusualHours(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, monitor.Config{})
	clock.Set(time.Date(2025, 3, 10, 3, 30, 0, 0, time.UTC))

	result := m.AnalyzeUserBehavior("user-1", "login", monitor.BehaviorMetadata{})

	require.True(t, result.Suspicious)
	assert.Contains(t, result.Reasons, "activity during unusual hours")
}

func TestMonitor_BehaviorUserAgentChange(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, monitor.Config{})

	result := m.AnalyzeUserBehavior("user-1", "login", monitor.BehaviorMetadata{
		PreviousUserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		CurrentUserAgent:  "curl/8.4.0",
	})

	require.True(t, result.Suspicious)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], "user agent changed")
}

func TestMonitor_BehaviorNormalActivityNotFlagged(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, monitor.Config{})

	result := m.AnalyzeUserBehavior("user-1", "login", monitor.BehaviorMetadata{
		PreviousUserAgent: "curl/8.4.0",
		CurrentUserAgent:  "curl/8.4.0",
	})

	assert.False(t, result.Suspicious)
	assert.Empty(t, result.Reasons)
}

func TestMonitor_BehaviorRapidActions(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, monitor.Config{})

	var last monitor.BehaviorResult
	for i := 0; i < 31; i++ {
		last = m.AnalyzeUserBehavior("user-2", "move_item", monitor.BehaviorMetadata{})
	}

	require.True(t, last.Suspicious)
	assert.Contains(t, last.Reasons, "too many actions in short time")
}

func TestMonitor_QueryEventsFilters(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, monitor.Config{})

	m.LogEvent(monitor.ThreatBruteForce, monitor.LevelHigh, "10.0.0.1", nil, nil)
	clock.Advance(time.Minute)
	m.LogEvent(monitor.ThreatDOSAttack, monitor.LevelHigh, "10.0.0.2", nil, nil)
	clock.Advance(time.Minute)
	m.LogEvent(monitor.ThreatBruteForce, monitor.LevelMedium, "10.0.0.1", nil, nil)

	byType := m.QueryEvents(monitor.EventFilter{Type: monitor.ThreatBruteForce})
	require.Len(t, byType, 2)
	assert.Equal(t, monitor.LevelMedium, byType[0].Level, "results must be newest first")

	bySource := m.QueryEvents(monitor.EventFilter{Source: "10.0.0.2"})
	require.Len(t, bySource, 1)
	assert.Equal(t, monitor.ThreatDOSAttack, bySource[0].Type)

	limited := m.QueryEvents(monitor.EventFilter{Limit: 1})
	assert.Len(t, limited, 1)
}

func TestMonitor_StatsAggregation(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, monitor.Config{})

	m.LogEvent(monitor.ThreatBruteForce, monitor.LevelHigh, "10.0.0.1", nil, &monitor.EventOpts{Blocked: true})
	m.LogEvent(monitor.ThreatBruteForce, monitor.LevelHigh, "10.0.0.1", nil, nil)
	m.LogEvent(monitor.ThreatXSSAttempt, monitor.LevelLow, "10.0.0.2", nil, nil)

	stats := m.GetStats(time.Hour)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.EventsByType[monitor.ThreatBruteForce])
	assert.Equal(t, 2, stats.EventsByLevel[monitor.LevelHigh])
	assert.Equal(t, 1, stats.BlockedEvents)
	assert.Len(t, stats.RecentEvents, 3)
}

func TestMonitor_ReportRecommendations(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, monitor.Config{})

	m.LogEvent(monitor.ThreatBruteForce, monitor.LevelHigh, "10.0.0.1", nil, nil)
	m.LogEvent(monitor.ThreatDataExfiltration, monitor.LevelCritical, "user-3", nil, nil)

	report := m.GenerateReport("daily")

	assert.Equal(t, "daily", report.Period)
	require.NotEmpty(t, report.TopThreats)
	assert.Contains(t, report.Recommendations, "Consider enabling CAPTCHA or account lockout policies")
	assert.Contains(t, report.Recommendations, "Immediate security review recommended due to critical events")

	sources := make([]string, 0, len(report.TopSources))
	for _, s := range report.TopSources {
		sources = append(sources, s.Source)
	}
	assert.Contains(t, sources, "10.0.0.1")
}

func TestMonitor_CleanupRemovesOldEvents(t *testing.T) {
	m, clock, _, _ := newTestMonitor(t, monitor.Config{})

	m.LogEvent(monitor.ThreatSuspiciousActivity, monitor.LevelLow, "10.0.0.1", nil, nil)
	clock.Advance(8 * 24 * time.Hour)
	m.LogEvent(monitor.ThreatSuspiciousActivity, monitor.LevelLow, "10.0.0.2", nil, nil)

	removed := m.Cleanup(0)

	assert.Equal(t, 1, removed)
	stats := m.GetStats(0)
	assert.Equal(t, 1, stats.TotalEvents)
	assert.Equal(t, "10.0.0.2", stats.RecentEvents[0].Source)
}
