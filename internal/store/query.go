package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// where accumulates SQL predicates. placeholder renders the n-th argument
// marker for the dialect ("$1" for PostgreSQL, "?" for SQLite).
type where struct {
	clauses     []string
	args        []any
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

func dollar(n int) string        { return fmt.Sprintf("$%d", n) }
func question(int) string        { return "?" }
func nativeTime(t time.Time) any { return t.UTC() }

func (w *where) add(expr string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.Replace(expr, "?", w.placeholder(len(w.args)), 1))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return " LIMIT " + w.placeholder(len(w.args))
}

func (w *where) missions(f mission.MissionFilter) {
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Type != "" {
		w.add("type = ?", string(f.Type))
	}
	if f.Priority != "" {
		w.add("priority = ?", string(f.Priority))
	}
	if f.OriginCondition != "" {
		w.add("origin_condition = ?", f.OriginCondition)
	}
}

func (w *where) logs(f mission.LogFilter) {
	if f.MissionID != "" {
		w.add("mission_id = ?", f.MissionID)
	}
	if f.Type != "" {
		w.add("log_type = ?", string(f.Type))
	}
	if f.Severity != "" {
		w.add("severity = ?", string(f.Severity))
	}
	if f.Category != "" {
		w.add("category = ?", f.Category)
	}
	if !f.Since.IsZero() {
		w.add("event_timestamp >= ?", w.timeArg(f.Since))
	}
	if !f.Until.IsZero() {
		w.add("event_timestamp <= ?", w.timeArg(f.Until))
	}
}

func (w *where) alerts(f mission.AlertFilter) {
	if f.MissionID != "" {
		w.add("mission_id = ?", f.MissionID)
	}
	if f.Acknowledged != nil {
		w.add("acknowledged = ?", *f.Acknowledged)
	}
	if f.MinSeverity != "" {
		w.add("severity_rank >= ?", severityRank(f.MinSeverity))
	}
}

func severityRank(s mission.Severity) int {
	switch s {
	case mission.SeverityLow:
		return 1
	case mission.SeverityMedium:
		return 2
	case mission.SeverityHigh:
		return 3
	case mission.SeverityCritical:
		return 4
	}
	return 0
}
