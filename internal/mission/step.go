package mission

import (
	"time"
)

// StepStatus tracks a single step execution.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Done reports whether the step will not run again in this execution.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepTemplate is the declared shape of a step, stored on the mission.
type StepTemplate struct {
	Name        string            `json:"name" yaml:"name"`
	Action      string            `json:"action" yaml:"action"`
	Params      map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryOnFail bool              `json:"retry_on_fail" yaml:"retry_on_fail"`
	MaxRetries  int               `json:"max_retries" yaml:"max_retries"`
	// Optional steps may be passed over under the continue failure policy.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

func (t StepTemplate) Validate() error {
	if t.Name == "" {
		return validationf("step name is required")
	}
	if t.Action == "" {
		return validationf("step %q has no action", t.Name)
	}
	if t.MaxRetries < 0 {
		return validationf("step %q: max_retries must be >= 0", t.Name)
	}
	if t.Timeout < 0 {
		return validationf("step %q: timeout must be >= 0", t.Name)
	}
	return nil
}

func (t StepTemplate) clone() StepTemplate {
	c := t
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	return c
}

// Step is one materialized step of a mission execution.
type Step struct {
	ID          string            `json:"id"`
	MissionID   string            `json:"mission_id"`
	Index       int               `json:"index"`
	Name        string            `json:"name"`
	Action      string            `json:"action"`
	Params      map[string]string `json:"params,omitempty"`
	Status      StepStatus        `json:"status"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	RetryOnFail bool              `json:"retry_on_fail"`
	MaxRetries  int               `json:"max_retries"`
	Optional    bool              `json:"optional,omitempty"`
	Attempt     int               `json:"attempt"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// NewStep materializes a template as a pending step.
func NewStep(id, missionID string, index int, t StepTemplate) *Step {
	t = t.clone()
	return &Step{
		ID:          id,
		MissionID:   missionID,
		Index:       index,
		Name:        t.Name,
		Action:      t.Action,
		Params:      t.Params,
		Status:      StepPending,
		Timeout:     t.Timeout,
		RetryOnFail: t.RetryOnFail,
		MaxRetries:  t.MaxRetries,
		Optional:    t.Optional,
	}
}

func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	if s.Params != nil {
		c.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	c.StartedAt = cloneTime(s.StartedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	return &c
}

// MaxAttempts is the number of invocations the retry policy allows.
func (s *Step) MaxAttempts() int {
	if !s.RetryOnFail {
		return 1
	}
	return s.MaxRetries + 1
}

// BeginAttempt records a new invocation. It refuses completed steps and
// attempts beyond the retry budget.
func (s *Step) BeginAttempt(now time.Time) error {
	if s.Status == StepCompleted {
		return &InvalidStateError{Entity: "step " + s.Name, From: string(s.Status), To: string(StepInProgress)}
	}
	if s.Attempt >= s.MaxAttempts() {
		return &InvalidStateError{Entity: "step " + s.Name, From: string(s.Status), To: "attempt beyond retry budget"}
	}
	s.Attempt++
	s.Status = StepInProgress
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	return nil
}

// Finish moves the step to a terminal status.
func (s *Step) Finish(status StepStatus, output string, err error, now time.Time) error {
	if s.Status == StepCompleted {
		return &InvalidStateError{Entity: "step " + s.Name, From: string(s.Status), To: string(status)}
	}
	if !status.Done() {
		return &InvalidStateError{Entity: "step " + s.Name, From: string(s.Status), To: string(status)}
	}
	s.Status = status
	s.Output = output
	s.Error = ""
	if err != nil {
		s.Error = err.Error()
	}
	s.FinishedAt = &now
	return nil
}
