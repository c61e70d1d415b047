// Package condition holds named predicates and evaluates each on its own
// interval, triggering work when a predicate holds.
package condition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// CheckFunc evaluates a predicate against live data.
type CheckFunc func(ctx context.Context) (bool, error)

// TriggerFunc runs when the predicate holds.
type TriggerFunc func(ctx context.Context) error

// Condition is a named predicate evaluated every Interval.
type Condition struct {
	Name      string
	Interval  time.Duration
	Check     CheckFunc
	OnTrigger TriggerFunc
}

func (c Condition) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: condition name is required", mission.ErrValidation)
	case c.Interval <= 0:
		return fmt.Errorf("%w: condition %q: interval must be > 0", mission.ErrValidation, c.Name)
	case c.Check == nil:
		return fmt.Errorf("%w: condition %q: check is required", mission.ErrValidation, c.Name)
	case c.OnTrigger == nil:
		return fmt.Errorf("%w: condition %q: trigger is required", mission.ErrValidation, c.Name)
	}
	return nil
}

// Status is a snapshot of a condition's bookkeeping.
type Status struct {
	Name            string        `json:"name"`
	Interval        time.Duration `json:"interval"`
	Running         bool          `json:"running"`
	LastEvaluatedAt *time.Time    `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt *time.Time    `json:"last_triggered_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	Evaluations     int64         `json:"evaluations"`
	Triggers        int64         `json:"triggers"`
	Skipped         int64         `json:"skipped"`
	Failures        int64         `json:"failures"`
}

type entry struct {
	cond    Condition
	running atomic.Bool

	mu          sync.Mutex
	lastEval    time.Time
	lastTrigger time.Time
	lastErr     string
	evaluations int64
	triggers    int64
	skipped     int64
	failures    int64
}

func (e *entry) finish(at time.Time, triggered bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastEval = at
	e.evaluations++
	if triggered {
		e.lastTrigger = at
		e.triggers++
	}
	if err != nil {
		e.lastErr = err.Error()
		e.failures++
	} else {
		e.lastErr = ""
	}
}

func (e *entry) skip() {
	e.mu.Lock()
	e.skipped++
	e.mu.Unlock()
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Name:        e.cond.Name,
		Interval:    e.cond.Interval,
		Running:     e.running.Load(),
		LastError:   e.lastErr,
		Evaluations: e.evaluations,
		Triggers:    e.triggers,
		Skipped:     e.skipped,
		Failures:    e.failures,
	}
	if !e.lastEval.IsZero() {
		t := e.lastEval
		s.LastEvaluatedAt = &t
	}
	if !e.lastTrigger.IsZero() {
		t := e.lastTrigger
		s.LastTriggeredAt = &t
	}
	return s
}

// Registry holds conditions by name. Conditions are never replaced or
// removed once registered.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	onAdd   func(*entry)
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds c. Names are unique.
func (r *Registry) Register(c Condition) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, dup := r.entries[c.Name]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: condition %q already registered", mission.ErrValidation, c.Name)
	}
	e := &entry{cond: c}
	r.entries[c.Name] = e
	onAdd := r.onAdd
	r.mu.Unlock()

	if onAdd != nil {
		onAdd(e)
	}
	return nil
}

// Get returns the status of one condition.
func (r *Registry) Get(name string) (Status, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return e.status(), true
}

// List returns every condition's status, sorted by name.
func (r *Registry) List() []Status {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Status, len(entries))
	for i, e := range entries {
		out[i] = e.status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *Registry) setOnAdd(fn func(*entry)) {
	r.mu.Lock()
	r.onAdd = fn
	r.mu.Unlock()
}
