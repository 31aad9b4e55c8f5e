package monitor

import (
	"time"
)

type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatDOSAttack           ThreatType = "dos_attack"
	ThreatSQLInjection        ThreatType = "sql_injection"
	ThreatXSSAttempt          ThreatType = "xss_attempt"
	ThreatCSRFAttack          ThreatType = "csrf_attack"
	ThreatSessionHijacking    ThreatType = "session_hijacking"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatUnauthorizedAccess  ThreatType = "unauthorized_access"
	ThreatSuspiciousActivity  ThreatType = "suspicious_activity"
)

type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// ResponseAction is what a firing threat pattern does beyond recording the
// event.
type ResponseAction string

const (
	ResponseLog   ResponseAction = "log"
	ResponseBlock ResponseAction = "block"
	ResponseAlert ResponseAction = "alert"
)

type SecurityEvent struct {
	ID           string      `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	Type         ThreatType  `json:"type"`
	Level        ThreatLevel `json:"level"`
	Source       string      `json:"source"`
	Target       string      `json:"target,omitempty"`
	Details      interface{} `json:"details,omitempty"`
	Blocked      bool        `json:"blocked"`
	AutoResponse string      `json:"auto_response,omitempty"`
}

type EventOpts struct {
	Target       string
	Blocked      bool
	AutoResponse string
}

// Typed detail payloads. Heterogeneous diagnostic context that fits none of
// these goes through a plain map.

type PatternDetails struct {
	Pattern ThreatType `json:"pattern"`
}

type BehaviorDetails struct {
	Action  string   `json:"action"`
	Reasons []string `json:"reasons"`
}

type ExfiltrationDetails struct {
	DataSize int64  `json:"data_size"`
	Endpoint string `json:"endpoint"`
}

type ExportBurstDetails struct {
	ExportCount int    `json:"export_count"`
	Endpoint    string `json:"endpoint"`
}

type EscalationDetails struct {
	AttemptedAction string `json:"attempted_action"`
	RequiredRole    string `json:"required_role"`
}
