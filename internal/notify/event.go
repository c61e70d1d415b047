package notify

import "time"

// EventType names what changed.
type EventType string

const (
	MissionChanged    EventType = "mission_changed"
	StepChanged       EventType = "step_changed"
	LogAppended       EventType = "log_appended"
	AlertRaised       EventType = "alert_raised"
	AlertAcknowledged EventType = "alert_acknowledged"
	// Resync replaces a backlog the subscriber fell too far behind on.
	// Receivers should re-read state from the store.
	Resync EventType = "resync"
)

// Event is a change notification. It identifies the record but does not
// carry it; subscribers read the store for the full state.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	MissionID string    `json:"mission_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Condition string    `json:"condition,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is implemented by anything that accepts change events without
// blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
