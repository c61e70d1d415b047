package condition

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// AlertSource lists alerts for the alerts_unacknowledged kind.
type AlertSource interface {
	List(ctx context.Context, f mission.AlertFilter) ([]mission.Alert, error)
}

// MissionSource lists missions for the missions_stalled kind.
type MissionSource interface {
	List(ctx context.Context, f mission.MissionFilter) ([]*mission.Mission, error)
}

// Sources feeds the built-in predicates.
type Sources struct {
	Alerts   AlertSource
	Missions MissionSource
	Now      func() time.Time
}

// FromSpec builds a condition of a built-in kind. The caller supplies the
// trigger, usually one that launches spec.Mission.
func FromSpec(spec mission.ConditionSpec, src Sources, trigger TriggerFunc) (Condition, error) {
	check, err := builtinCheck(spec, src)
	if err != nil {
		return Condition{}, err
	}
	c := Condition{
		Name:      spec.Name,
		Interval:  spec.Interval,
		Check:     check,
		OnTrigger: trigger,
	}
	return c, c.Validate()
}

func builtinCheck(spec mission.ConditionSpec, src Sources) (CheckFunc, error) {
	threshold := spec.Threshold
	if threshold < 1 {
		threshold = 1
	}
	now := src.Now
	if now == nil {
		now = time.Now
	}

	switch spec.Kind {
	case mission.ConditionAlways:
		return func(context.Context) (bool, error) { return true, nil }, nil

	case mission.ConditionAlertsUnacknowledged:
		if src.Alerts == nil {
			return nil, fmt.Errorf("condition %s: no alert source", spec.Name)
		}
		min := spec.Severity
		if min == "" {
			min = mission.SeverityLow
		}
		open := false
		return func(ctx context.Context) (bool, error) {
			alerts, err := src.Alerts.List(ctx, mission.AlertFilter{Acknowledged: &open, MinSeverity: min, Limit: threshold})
			if err != nil {
				return false, fmt.Errorf("list alerts: %w", err)
			}
			return len(alerts) >= threshold, nil
		}, nil

	case mission.ConditionMissionsStalled:
		if src.Missions == nil {
			return nil, fmt.Errorf("condition %s: no mission source", spec.Name)
		}
		return func(ctx context.Context) (bool, error) {
			running, err := src.Missions.List(ctx, mission.MissionFilter{Status: mission.StatusInProgress})
			if err != nil {
				return false, fmt.Errorf("list missions: %w", err)
			}
			cutoff := now().Add(-spec.MaxAge)
			stalled := 0
			for _, m := range running {
				if m.StartTime != nil && m.StartTime.Before(cutoff) {
					stalled++
				}
			}
			return stalled >= threshold, nil
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown condition kind %q", mission.ErrValidation, spec.Kind)
}
