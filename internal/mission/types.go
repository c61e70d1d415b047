package mission

import (
	"fmt"
	"sort"
	"time"
)

// Type categorizes what a mission is for.
type Type string

const (
	TypeEmergency Type = "emergency"
	TypeRoutine   Type = "routine"
	TypeTraining  Type = "training"
	TypeTactical  Type = "tactical"
	TypeRecon     Type = "recon"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEmergency, TypeRoutine, TypeTraining, TypeTactical, TypeRecon:
		return true
	}
	return false
}

// Status tracks a mission through its lifecycle. See validTransitions.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusPaused     Status = "paused"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPlanned, StatusAssigned, StatusInProgress, StatusCompleted,
		StatusCancelled, StatusPaused, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Priority ranks missions for operators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Location is where a mission takes place.
type Location struct {
	Name      string  `json:"name,omitempty" yaml:"name,omitempty"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Mission is a stateful unit of work composed of ordered steps.
type Mission struct {
	ID               string          `json:"id"`
	Code             string          `json:"code"`
	Name             string          `json:"name"`
	Type             Type            `json:"type"`
	Status           Status          `json:"status"`
	Priority         Priority        `json:"priority"`
	Location         *Location       `json:"location,omitempty"`
	AssignedVesselID string          `json:"assigned_vessel_id,omitempty"`
	AssignedAgents   []string        `json:"assigned_agents,omitempty"`
	StartTime        *time.Time      `json:"start_time,omitempty"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	Steps            []StepTemplate  `json:"steps"`
	Metadata         MissionMetadata `json:"metadata"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (m *Mission) Clone() *Mission {
	if m == nil {
		return nil
	}
	c := *m
	if m.Location != nil {
		loc := *m.Location
		c.Location = &loc
	}
	c.AssignedAgents = append([]string(nil), m.AssignedAgents...)
	c.StartTime = cloneTime(m.StartTime)
	c.EndTime = cloneTime(m.EndTime)
	c.Steps = make([]StepTemplate, len(m.Steps))
	for i, s := range m.Steps {
		c.Steps[i] = s.clone()
	}
	c.Metadata = m.Metadata.Clone()
	return &c
}

// SetAgents stores agent ids with set semantics.
func (m *Mission) SetAgents(ids []string) {
	m.AssignedAgents = NormalizeAgents(ids)
}

// NormalizeAgents deduplicates and sorts agent ids, dropping empty ones.
func NormalizeAgents(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate checks the caller-supplied fields of a new mission.
func (m *Mission) Validate() error {
	if m.Name == "" {
		return validationf("mission name is required")
	}
	if !m.Type.Valid() {
		return validationf("invalid mission type %q", m.Type)
	}
	if !m.Priority.Valid() {
		return validationf("invalid mission priority %q", m.Priority)
	}
	if len(m.Steps) == 0 {
		return validationf("mission %q has no steps", m.Name)
	}
	names := make(map[string]struct{}, len(m.Steps))
	for i, s := range m.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if _, dup := names[s.Name]; dup {
			return validationf("duplicate step name %q", s.Name)
		}
		names[s.Name] = struct{}{}
	}
	return m.Metadata.Validate()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MissionFilter narrows QueryMissions. Zero fields match everything.
type MissionFilter struct {
	Status          Status
	Type            Type
	Priority        Priority
	OriginCondition string
	Limit           int
}

// Match reports whether m satisfies the filter, ignoring Limit.
func (f MissionFilter) Match(m *Mission) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if f.OriginCondition != "" && m.Metadata.Origin.Condition != f.OriginCondition {
		return false
	}
	return true
}
