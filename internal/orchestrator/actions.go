package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// StepInput is what an action sees for one attempt.
type StepInput struct {
	Mission *mission.Mission
	Step    *mission.Step
	Params  map[string]string
	// Outputs holds the output of every earlier completed step by name.
	Outputs map[string]string
}

// Action performs a step. Actions may run more than once for the same
// step when retries are enabled, so they must be idempotent. An action
// should return promptly once ctx is done; one that does not is abandoned
// at the deadline.
type Action func(ctx context.Context, in StepInput) (string, error)

// Actions maps step action names to implementations.
type Actions struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewActions() *Actions {
	return &Actions{actions: make(map[string]Action)}
}

func (a *Actions) Register(name string, fn Action) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: action needs a name and a function", mission.ErrValidation)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.actions[name]; dup {
		return fmt.Errorf("%w: action %q already registered", mission.ErrValidation, name)
	}
	a.actions[name] = fn
	return nil
}

func (a *Actions) Lookup(name string) (Action, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn, ok := a.actions[name]
	return fn, ok
}

// Names lists registered actions, sorted.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.actions))
	for n := range a.actions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// RegisterBuiltins adds noop, sleep, audit and fail. logs backs the audit
// action and may be nil, in which case audit is not registered.
func RegisterBuiltins(a *Actions, logs LogAppender) error {
	builtins := map[string]Action{
		"noop":  noopAction,
		"sleep": sleepAction,
		"fail":  failAction,
	}
	if logs != nil {
		builtins["audit"] = auditAction(logs)
	}
	for name, fn := range builtins {
		if err := a.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func noopAction(context.Context, StepInput) (string, error) {
	return "ok", nil
}

// sleepAction waits for params["duration"], honouring cancellation.
func sleepAction(ctx context.Context, in StepInput) (string, error) {
	d, err := time.ParseDuration(in.Params["duration"])
	if err != nil {
		return "", mission.Permanent(fmt.Errorf("sleep: bad duration %q: %w", in.Params["duration"], err))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return "slept " + d.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func auditAction(logs LogAppender) Action {
	return func(ctx context.Context, in StepInput) (string, error) {
		msg := in.Params["message"]
		if msg == "" {
			return "", mission.Permanent(errors.New("audit: message param is required"))
		}
		severity := mission.Severity(in.Params["severity"])
		if severity == "" {
			severity = mission.SeverityLow
		}
		_, err := logs.Append(ctx, mission.Log{
			MissionID:    in.Mission.ID,
			Type:         mission.LogInfo,
			Severity:     severity,
			Title:        in.Step.Name,
			Message:      msg,
			Category:     mission.CategoryStep,
			SourceModule: "action-audit",
		})
		if err != nil {
			return "", err
		}
		return msg, nil
	}
}

// failAction always fails. params["mode"] picks transient (default) or
// permanent, which lets drills exercise both retry paths.
func failAction(_ context.Context, in StepInput) (string, error) {
	reason := in.Params["reason"]
	if reason == "" {
		reason = "drill failure"
	}
	switch in.Params["mode"] {
	case "", "transient":
		return "", mission.Transient(errors.New(reason))
	case "permanent":
		return "", mission.Permanent(errors.New(reason))
	default:
		return "", mission.Permanent(fmt.Errorf("fail: unknown mode %q", in.Params["mode"]))
	}
}
