package mission

import "time"

// MetadataKind selects which payload a log entry carries.
type MetadataKind string

const (
	MetaNone       MetadataKind = ""
	MetaCondition  MetadataKind = "condition"
	MetaStep       MetadataKind = "step"
	MetaTransition MetadataKind = "transition"
)

// ConditionMeta describes a condition evaluation.
type ConditionMeta struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Error    string        `json:"error,omitempty"`
}

// StepMeta describes a step attempt or outcome.
type StepMeta struct {
	StepID     string        `json:"step_id"`
	StepName   string        `json:"step_name"`
	Action     string        `json:"action"`
	Attempt    int           `json:"attempt"`
	MaxRetries int           `json:"max_retries"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TransitionMeta describes a mission status change.
type TransitionMeta struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// Metadata is a tagged union: Kind names the single populated payload.
type Metadata struct {
	Kind       MetadataKind    `json:"kind,omitempty"`
	Condition  *ConditionMeta  `json:"condition,omitempty"`
	Step       *StepMeta       `json:"step,omitempty"`
	Transition *TransitionMeta `json:"transition,omitempty"`
}

func ConditionMetadata(c ConditionMeta) Metadata {
	return Metadata{Kind: MetaCondition, Condition: &c}
}

func StepMetadata(s StepMeta) Metadata {
	return Metadata{Kind: MetaStep, Step: &s}
}

func TransitionMetadata(from, to Status) Metadata {
	return Metadata{Kind: MetaTransition, Transition: &TransitionMeta{From: from, To: to}}
}

// Validate checks that exactly the payload named by Kind is set.
func (m Metadata) Validate() error {
	set := 0
	if m.Condition != nil {
		set++
	}
	if m.Step != nil {
		set++
	}
	if m.Transition != nil {
		set++
	}
	switch m.Kind {
	case MetaNone:
		if set != 0 {
			return validationf("metadata payload without kind")
		}
		return nil
	case MetaCondition:
		if m.Condition == nil || set != 1 {
			return validationf("condition metadata must carry only a condition payload")
		}
	case MetaStep:
		if m.Step == nil || set != 1 {
			return validationf("step metadata must carry only a step payload")
		}
	case MetaTransition:
		if m.Transition == nil || set != 1 {
			return validationf("transition metadata must carry only a transition payload")
		}
	default:
		return validationf("unknown metadata kind %q", m.Kind)
	}
	return nil
}

func (m Metadata) Clone() Metadata {
	c := Metadata{Kind: m.Kind}
	if m.Condition != nil {
		v := *m.Condition
		c.Condition = &v
	}
	if m.Step != nil {
		v := *m.Step
		c.Step = &v
	}
	if m.Transition != nil {
		v := *m.Transition
		c.Transition = &v
	}
	return c
}

// OriginKind records who created a mission.
type OriginKind string

const (
	OriginManual    OriginKind = "manual"
	OriginCondition OriginKind = "condition"
)

// Origin links a mission to the condition that triggered it, if any.
type Origin struct {
	Kind        OriginKind `json:"kind"`
	Condition   string     `json:"condition,omitempty"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
}

// MissionMetadata is the typed metadata stored on a mission.
type MissionMetadata struct {
	Origin Origin            `json:"origin"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (m MissionMetadata) Validate() error {
	switch m.Origin.Kind {
	case "", OriginManual:
		if m.Origin.Condition != "" {
			return validationf("manual origin cannot name a condition")
		}
	case OriginCondition:
		if m.Origin.Condition == "" {
			return validationf("condition origin requires a condition name")
		}
	default:
		return validationf("unknown origin kind %q", m.Origin.Kind)
	}
	return nil
}

func (m MissionMetadata) Clone() MissionMetadata {
	c := MissionMetadata{Origin: m.Origin}
	c.Origin.TriggeredAt = cloneTime(m.Origin.TriggeredAt)
	if m.Labels != nil {
		c.Labels = make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			c.Labels[k] = v
		}
	}
	return c
}
