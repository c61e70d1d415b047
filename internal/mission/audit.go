package mission

import "time"

// LogType classifies an audit entry.
type LogType string

const (
	LogInfo     LogType = "info"
	LogWarning  LogType = "warning"
	LogError    LogType = "error"
	LogCritical LogType = "critical"
	LogSuccess  LogType = "success"
)

func (t LogType) Valid() bool {
	switch t {
	case LogInfo, LogWarning, LogError, LogCritical, LogSuccess:
		return true
	}
	return false
}

// Severity is ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Log categories used by the engine.
const (
	CategoryMission   = "mission"
	CategoryStep      = "step"
	CategoryCondition = "condition"
	CategoryAlert     = "alert"
)

// Log is an immutable audit record.
type Log struct {
	ID             string    `json:"id"`
	MissionID      string    `json:"mission_id,omitempty"`
	Type           LogType   `json:"log_type"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Category       string    `json:"category"`
	SourceModule   string    `json:"source_module"`
	EventTimestamp time.Time `json:"event_timestamp"`
	Metadata       Metadata  `json:"metadata"`
}

func (l Log) Clone() Log {
	l.Metadata = l.Metadata.Clone()
	return l
}

func (l Log) Validate() error {
	if !l.Type.Valid() {
		return validationf("invalid log type %q", l.Type)
	}
	if !l.Severity.Valid() {
		return validationf("invalid log severity %q", l.Severity)
	}
	if l.Title == "" {
		return validationf("log title is required")
	}
	return l.Metadata.Validate()
}

// LogFilter narrows QueryLogs. Zero fields match everything.
type LogFilter struct {
	MissionID string
	Type      LogType
	Severity  Severity
	Category  string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f LogFilter) Match(l *Log) bool {
	if f.MissionID != "" && l.MissionID != f.MissionID {
		return false
	}
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	if f.Severity != "" && l.Severity != f.Severity {
		return false
	}
	if f.Category != "" && l.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && l.EventTimestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && l.EventTimestamp.After(f.Until) {
		return false
	}
	return true
}

// Alert is a mutable, acknowledgeable notification.
type Alert struct {
	ID             string     `json:"id"`
	MissionID      string     `json:"mission_id,omitempty"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Source         string     `json:"source,omitempty"`
	RaisedAt       time.Time  `json:"raised_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	return &c
}

func (a *Alert) Validate() error {
	if !a.Severity.Valid() {
		return validationf("invalid alert severity %q", a.Severity)
	}
	if a.Message == "" {
		return validationf("alert message is required")
	}
	return nil
}

// Acknowledge marks the alert acknowledged. It reports false when the alert
// was already acknowledged, leaving the first acknowledgement intact.
func (a *Alert) Acknowledge(by string, now time.Time) bool {
	if a.Acknowledged {
		return false
	}
	a.Acknowledged = true
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	return true
}

// AlertFilter narrows QueryAlerts. Zero fields match everything.
type AlertFilter struct {
	MissionID    string
	Acknowledged *bool
	MinSeverity  Severity
	Limit        int
}

func (f AlertFilter) Match(a *Alert) bool {
	if f.MissionID != "" && a.MissionID != f.MissionID {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if f.MinSeverity != "" && !a.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	return true
}
