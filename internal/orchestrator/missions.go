// Package orchestrator owns mission state and drives missions through
// their steps.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/mission"
	"github.com/nidhogg/mission-engine/internal/notify"
	"github.com/nidhogg/mission-engine/internal/store"
)

// LogAppender records audit entries. audit.LogSink implements it.
type LogAppender interface {
	Append(ctx context.Context, l mission.Log) (mission.Log, error)
}

// AlertRaiser raises alerts. audit.AlertPublisher implements it.
type AlertRaiser interface {
	Raise(ctx context.Context, a mission.Alert) (mission.Alert, error)
}

// MissionStore is the single writer of missions and their steps. Every
// mutation is committed to the repository before it is published.
type MissionStore struct {
	mu        sync.Mutex
	repo      store.Repository
	pub       notify.Publisher
	logs      LogAppender
	ioTimeout time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewMissionStore(repo store.Repository, pub notify.Publisher, logs LogAppender, ioTimeout time.Duration, logger *zap.Logger) *MissionStore {
	if pub == nil {
		pub = notify.Discard
	}
	return &MissionStore{
		repo:      repo,
		pub:       pub,
		logs:      logs,
		ioTimeout: ioTimeout,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MissionStore) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.ioTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.ioTimeout)
}

// newCode returns a human-facing mission code such as MSN-20260314-4F1A2C.
func newCode(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("MSN-%s-%s", now.Format("20060102"), suffix)
}

// Create validates m and stores it as a planned mission. The caller's
// value is not retained.
func (s *MissionStore) Create(ctx context.Context, m *mission.Mission) (*mission.Mission, error) {
	c := m.Clone()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}
	if c.Metadata.Origin.Kind == "" {
		c.Metadata.Origin.Kind = mission.OriginManual
	}
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Code == "" {
		c.Code = newCode(now)
	}
	c.Status = mission.StatusPlanned
	c.SetAgents(c.AssignedAgents)
	c.StartTime = nil
	c.EndTime = nil
	c.CreatedAt = now
	c.UpdatedAt = now

	s.mu.Lock()
	ioCtx, cancel := s.ioContext(ctx)
	err := s.repo.InsertMission(ioCtx, c)
	cancel()
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}

	s.publishMission(c)
	s.logger.Info("mission created",
		zap.String("mission", c.ID),
		zap.String("code", c.Code),
		zap.String("origin", string(c.Metadata.Origin.Kind)))
	return c.Clone(), nil
}

func (s *MissionStore) Get(ctx context.Context, id string) (*mission.Mission, error) {
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	m, err := s.repo.GetMission(ioCtx, id)
	if err != nil {
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	return m, nil
}

func (s *MissionStore) List(ctx context.Context, f mission.MissionFilter) ([]*mission.Mission, error) {
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	ms, err := s.repo.QueryMissions(ioCtx, f)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	return ms, nil
}

// Transition moves mission id to status to along a legal edge. mutate, if
// set, may change non-status fields first; an error from it aborts the
// transition with nothing committed.
func (s *MissionStore) Transition(ctx context.Context, id string, to mission.Status, mutate func(*mission.Mission) error) (*mission.Mission, error) {
	s.mu.Lock()
	ioCtx, cancel := s.ioContext(ctx)
	m, err := s.repo.GetMission(ioCtx, id)
	if err != nil {
		cancel()
		s.mu.Unlock()
		return nil, fmt.Errorf("transition mission %s: %w", id, err)
	}
	from := m.Status
	if mutate != nil {
		if err := mutate(m); err != nil {
			cancel()
			s.mu.Unlock()
			return nil, err
		}
	}
	if err := m.Apply(to, s.now()); err != nil {
		cancel()
		s.mu.Unlock()
		return nil, err
	}
	err = s.repo.UpdateMission(ioCtx, m)
	cancel()
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transition mission %s: %w", id, err)
	}

	s.publishMission(m)
	s.logger.Info("mission status changed",
		zap.String("mission", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if s.logs != nil {
		_, err := s.logs.Append(ctx, mission.Log{
			MissionID:    id,
			Type:         mission.LogInfo,
			Severity:     mission.SeverityLow,
			Title:        "Mission status changed",
			Message:      fmt.Sprintf("%s → %s", from, to),
			Category:     mission.CategoryMission,
			SourceModule: "mission-store",
			Metadata:     mission.TransitionMetadata(from, to),
		})
		if err != nil {
			s.logger.Warn("append transition log", zap.String("mission", id), zap.Error(err))
		}
	}
	return m.Clone(), nil
}

// Assign binds a vessel and agents to a planned mission.
func (s *MissionStore) Assign(ctx context.Context, id, vesselID string, agents []string) (*mission.Mission, error) {
	return s.Transition(ctx, id, mission.StatusAssigned, func(m *mission.Mission) error {
		if vesselID != "" {
			m.AssignedVesselID = vesselID
		}
		if agents != nil {
			m.SetAgents(agents)
		}
		return nil
	})
}

// Steps returns the materialized steps of a mission in declared order.
func (s *MissionStore) Steps(ctx context.Context, missionID string) ([]*mission.Step, error) {
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	steps, err := s.repo.QuerySteps(ioCtx, missionID)
	if err != nil {
		return nil, fmt.Errorf("steps of %s: %w", missionID, err)
	}
	return steps, nil
}

// SaveSteps stores newly materialized steps.
func (s *MissionStore) SaveSteps(ctx context.Context, steps []*mission.Step) error {
	if len(steps) == 0 {
		return nil
	}
	s.mu.Lock()
	ioCtx, cancel := s.ioContext(ctx)
	err := s.repo.InsertSteps(ioCtx, steps)
	cancel()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save steps of %s: %w", steps[0].MissionID, err)
	}
	for _, st := range steps {
		s.publishStep(st)
	}
	return nil
}

// UpdateStep commits the current state of one step.
func (s *MissionStore) UpdateStep(ctx context.Context, st *mission.Step) error {
	s.mu.Lock()
	ioCtx, cancel := s.ioContext(ctx)
	err := s.repo.UpdateStep(ioCtx, st)
	cancel()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("update step %s: %w", st.Name, err)
	}
	s.publishStep(st)
	return nil
}

func (s *MissionStore) publishMission(m *mission.Mission) {
	s.pub.Publish(notify.Event{
		Type:      notify.MissionChanged,
		MissionID: m.ID,
		EntityID:  m.ID,
		Status:    string(m.Status),
		Condition: m.Metadata.Origin.Condition,
		At:        m.UpdatedAt,
	})
}

func (s *MissionStore) publishStep(st *mission.Step) {
	s.pub.Publish(notify.Event{
		Type:      notify.StepChanged,
		MissionID: st.MissionID,
		EntityID:  st.ID,
		Status:    string(st.Status),
		At:        s.now(),
	})
}
