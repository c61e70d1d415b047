package mission

import "time"

// validTransitions defines allowed mission status transitions.
var validTransitions = map[Status][]Status{
	StatusPlanned:    {StatusAssigned},
	StatusAssigned:   {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:     {StatusInProgress},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &InvalidStateError{Entity: "mission", From: string(from), To: string(to)}
}

// Next lists the statuses reachable from s in one step.
func Next(s Status) []Status {
	return append([]Status(nil), validTransitions[s]...)
}

// Apply moves the mission to status to, stamping StartTime when it first
// enters in-progress and EndTime when it reaches a terminal status.
// On error the mission is left untouched.
func (m *Mission) Apply(to Status, now time.Time) error {
	if err := Transition(m.Status, to); err != nil {
		if ise, ok := err.(*InvalidStateError); ok {
			ise.Entity = "mission " + m.ID
		}
		return err
	}
	m.Status = to
	m.UpdatedAt = now
	if to == StatusInProgress && m.StartTime == nil {
		m.StartTime = &now
	}
	if to.Terminal() {
		m.EndTime = &now
	}
	return nil
}
