package monitor

import "time"

// Indicator is one metric condition inside a threat pattern. Metric is
// matched against recorded series keyed "{source}:{metric}".
type Indicator struct {
	Metric    string        `mapstructure:"metric"`
	Threshold float64       `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// ThreatPattern fires only when every one of its indicators holds within
// its window.
type ThreatPattern struct {
	Type       ThreatType     `mapstructure:"type"`
	Indicators []Indicator    `mapstructure:"indicators"`
	Response   ResponseAction `mapstructure:"response"`
}

// DefaultPatterns returns the built-in correlation rules.
func DefaultPatterns() []ThreatPattern {
	return []ThreatPattern{
		{
			Type: ThreatBruteForce,
			Indicators: []Indicator{
				{Metric: "failed_login", Threshold: 5, Window: 5 * time.Minute},
			},
			Response: ResponseBlock,
		},
		{
			Type: ThreatDOSAttack,
			Indicators: []Indicator{
				{Metric: "requests", Threshold: 100, Window: 10 * time.Second},
			},
			Response: ResponseBlock,
		},
		{
			Type: ThreatSQLInjection,
			Indicators: []Indicator{
				{Metric: "sql_keywords", Threshold: 1, Window: time.Second},
			},
			Response: ResponseBlock,
		},
		{
			Type: ThreatXSSAttempt,
			Indicators: []Indicator{
				{Metric: "script_tags", Threshold: 1, Window: time.Second},
			},
			Response: ResponseBlock,
		},
	}
}
