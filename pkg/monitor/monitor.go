package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxEvents      = 10000
	defaultEventRetention = 7 * 24 * time.Hour
	defaultBlockDuration  = time.Hour
	metricRetention       = time.Hour
	alertTimeout          = 5 * time.Second
)

// Blocker is the shared blocklist seen from the monitor's side. A source
// blocked here stops passing rate limit and connection checks as well.
type Blocker interface {
	Block(ip string, duration time.Duration, reason string)
}

// Alert is the payload handed to a Notifier for high and critical events.
type Alert struct {
	Event     SecurityEvent `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notifier delivers alerts to an external channel. Delivery failures are
// logged, never propagated to the caller that produced the event.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type Config struct {
	MaxEvents      int             `mapstructure:"max_events"`
	EventRetention time.Duration   `mapstructure:"event_retention"`
	BlockDuration  time.Duration   `mapstructure:"block_duration"`
	Patterns       []ThreatPattern `mapstructure:"patterns"`
}

type metricSample struct {
	timestamp time.Time
	value     float64
}

// Monitor correlates security events and metric streams into threats and
// drives the automatic responses.
type Monitor struct {
	cfg      Config
	logger   *logrus.Logger
	blocker  Blocker
	notifier Notifier

	mu      sync.RWMutex
	events  []SecurityEvent
	metrics map[string][]metricSample
	onEvent []func(SecurityEvent)

	timeProvider func() time.Time
	idProvider   func() string
}

type Opts struct {
	Blocker      Blocker
	Notifier     Notifier
	TimeProvider func() time.Time
}

func New(cfg Config, logger *logrus.Logger, opts Opts) *Monitor {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = defaultEventRetention
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = defaultBlockDuration
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns()
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = time.Now
	}
	return &Monitor{
		cfg:          cfg,
		logger:       logger,
		blocker:      opts.Blocker,
		notifier:     opts.Notifier,
		metrics:      make(map[string][]metricSample),
		timeProvider: tp,
		idProvider:   func() string { return uuid.New().String() },
	}
}

// OnEvent registers a hook invoked for every recorded event. Register hooks
// before the monitor starts receiving traffic.
func (m *Monitor) OnEvent(fn func(SecurityEvent)) {
	m.onEvent = append(m.onEvent, fn)
}

// LogEvent records a security event and dispatches an alert when the level
// is high or critical.
func (m *Monitor) LogEvent(threatType ThreatType, level ThreatLevel, source string, details interface{}, opts *EventOpts) SecurityEvent {
	event := SecurityEvent{
		ID:        m.idProvider(),
		Timestamp: m.timeProvider(),
		Type:      threatType,
		Level:     level,
		Source:    source,
		Details:   details,
	}
	if opts != nil {
		event.Target = opts.Target
		event.Blocked = opts.Blocked
		event.AutoResponse = opts.AutoResponse
	}

	m.mu.Lock()
	m.events = append(m.events, event)
	if len(m.events) > m.cfg.MaxEvents {
		m.events = m.events[len(m.events)-m.cfg.MaxEvents:]
	}
	m.mu.Unlock()

	entry := m.logger.WithFields(logrus.Fields{
		"event_id": event.ID,
		"type":     event.Type,
		"level":    event.Level,
		"source":   event.Source,
		"blocked":  event.Blocked,
	})
	switch level {
	case LevelCritical, LevelHigh:
		entry.Error("security event recorded")
	case LevelMedium:
		entry.Warn("security event recorded")
	default:
		entry.Info("security event recorded")
	}

	for _, fn := range m.onEvent {
		fn(event)
	}
	if level == LevelHigh || level == LevelCritical {
		m.dispatchAlert(event)
	}
	return event
}

// RecordMetric appends a sample to the named series and prunes samples older
// than an hour. Series are keyed "{source}:{metric}" by convention.
func (m *Monitor) RecordMetric(name string, value float64) {
	now := m.timeProvider()
	cutoff := now.Add(-metricRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	samples := append(m.metrics[name], metricSample{timestamp: now, value: value})
	start := 0
	for start < len(samples) && samples[start].timestamp.Before(cutoff) {
		start++
	}
	m.metrics[name] = samples[start:]
}

// DetectThreats evaluates every configured pattern against the source's
// metric series. A pattern fires only when all of its indicators hold, and
// each firing pattern produces one event plus its configured response.
func (m *Monitor) DetectThreats(source string) []SecurityEvent {
	var fired []SecurityEvent
	for _, pattern := range m.cfg.Patterns {
		if !m.patternMatches(source, pattern) {
			continue
		}
		event := m.LogEvent(pattern.Type, LevelHigh, source, PatternDetails{Pattern: pattern.Type}, &EventOpts{
			Blocked:      pattern.Response == ResponseBlock,
			AutoResponse: string(pattern.Response),
		})
		fired = append(fired, event)
		m.ExecuteResponse(pattern.Response, source, pattern.Type)
	}
	return fired
}

func (m *Monitor) patternMatches(source string, pattern ThreatPattern) bool {
	if len(pattern.Indicators) == 0 {
		return false
	}
	now := m.timeProvider()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, indicator := range pattern.Indicators {
		total := 0.0
		cutoff := now.Add(-indicator.Window)
		for _, sample := range m.metrics[source+":"+indicator.Metric] {
			if !sample.timestamp.Before(cutoff) {
				total += sample.value
			}
		}
		if total < indicator.Threshold {
			return false
		}
	}
	return true
}

// ExecuteResponse carries out a pattern's configured response for a source.
func (m *Monitor) ExecuteResponse(response ResponseAction, source string, threatType ThreatType) {
	switch response {
	case ResponseBlock:
		if m.blocker != nil {
			m.blocker.Block(source, m.cfg.BlockDuration, string(threatType))
		}
		m.logger.WithFields(logrus.Fields{
			"source": source,
			"threat": threatType,
		}).Warn("source blocked by threat response")
	case ResponseAlert:
		m.logger.WithFields(logrus.Fields{
			"source": source,
			"threat": threatType,
		}).Warn("alert raised by threat response")
	case ResponseLog:
	}
}

func (m *Monitor) dispatchAlert(event SecurityEvent) {
	if m.notifier == nil {
		return
	}
	alert := Alert{Event: event, Timestamp: event.Timestamp}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, alert); err != nil {
			m.logger.WithFields(logrus.Fields{
				"event_id": event.ID,
				"error":    err,
			}).Error("failed to deliver security alert")
		}
	}()
}

// Cleanup drops events older than maxAge and returns how many were removed.
// A non-positive maxAge uses the configured retention.
func (m *Monitor) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = m.cfg.EventRetention
	}
	cutoff := m.timeProvider().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	for start < len(m.events) && m.events[start].Timestamp.Before(cutoff) {
		start++
	}
	removed := start
	if removed > 0 {
		m.events = append([]SecurityEvent(nil), m.events[start:]...)
	}
	return removed
}
