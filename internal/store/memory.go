package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// Memory is an in-process Repository. Every record is copied on the way in
// and out, so callers can never mutate stored state through a pointer.
type Memory struct {
	mu       sync.RWMutex
	missions map[string]*mission.Mission
	steps    map[string][]*mission.Step // missionID -> steps by index
	logs     []mission.Log
	alerts   map[string]*mission.Alert
	order    []string // alert ids in insertion order
	seq      int64
	created  map[string]int64 // missionID -> insertion sequence
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		missions: make(map[string]*mission.Mission),
		steps:    make(map[string][]*mission.Step),
		alerts:   make(map[string]*mission.Alert),
		created:  make(map[string]int64),
	}
}

func (s *Memory) InsertMission(_ context.Context, m *mission.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; ok {
		return fmt.Errorf("insert mission %s: duplicate id", m.ID)
	}
	for _, existing := range s.missions {
		if existing.Code == m.Code {
			return fmt.Errorf("insert mission %s: duplicate code %s", m.ID, m.Code)
		}
	}
	s.seq++
	s.created[m.ID] = s.seq
	s.missions[m.ID] = m.Clone()
	return nil
}

func (s *Memory) UpdateMission(_ context.Context, m *mission.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; !ok {
		return fmt.Errorf("update mission %s: %w", m.ID, mission.ErrNotFound)
	}
	s.missions[m.ID] = m.Clone()
	return nil
}

func (s *Memory) GetMission(_ context.Context, id string) (*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, fmt.Errorf("get mission %s: %w", id, mission.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *Memory) QueryMissions(_ context.Context, f mission.MissionFilter) ([]*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Mission
	for _, m := range s.missions {
		if f.Match(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.created[out[i].ID] > s.created[out[j].ID]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) InsertSteps(_ context.Context, steps []*mission.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		if _, ok := s.missions[st.MissionID]; !ok {
			return fmt.Errorf("insert step %s: mission %s: %w", st.ID, st.MissionID, mission.ErrNotFound)
		}
		for _, existing := range s.steps[st.MissionID] {
			if existing.ID == st.ID || existing.Index == st.Index {
				return fmt.Errorf("insert step %s: duplicate", st.ID)
			}
		}
	}
	for _, st := range steps {
		s.steps[st.MissionID] = append(s.steps[st.MissionID], st.Clone())
	}
	for _, list := range s.steps {
		sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	}
	return nil
}

func (s *Memory) UpdateStep(_ context.Context, st *mission.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.steps[st.MissionID] {
		if existing.ID == st.ID {
			s.steps[st.MissionID][i] = st.Clone()
			return nil
		}
	}
	return fmt.Errorf("update step %s: %w", st.ID, mission.ErrNotFound)
}

func (s *Memory) QuerySteps(_ context.Context, missionID string) ([]*mission.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.steps[missionID]
	out := make([]*mission.Step, len(list))
	for i, st := range list {
		out[i] = st.Clone()
	}
	return out, nil
}

func (s *Memory) InsertLog(_ context.Context, l *mission.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l.Clone())
	return nil
}

// QueryLogs returns matching entries newest-first. Entries with equal
// timestamps keep reverse insertion order.
func (s *Memory) QueryLogs(_ context.Context, f mission.LogFilter) ([]*mission.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Log
	for i := len(s.logs) - 1; i >= 0; i-- {
		if f.Match(&s.logs[i]) {
			l := s.logs[i].Clone()
			out = append(out, &l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventTimestamp.After(out[j].EventTimestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) InsertAlert(_ context.Context, a *mission.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("insert alert %s: duplicate id", a.ID)
	}
	s.alerts[a.ID] = a.Clone()
	s.order = append(s.order, a.ID)
	return nil
}

func (s *Memory) UpdateAlert(_ context.Context, a *mission.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return fmt.Errorf("update alert %s: %w", a.ID, mission.ErrNotFound)
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

func (s *Memory) GetAlert(_ context.Context, id string) (*mission.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("get alert %s: %w", id, mission.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Memory) QueryAlerts(_ context.Context, f mission.AlertFilter) ([]*mission.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Alert
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.alerts[s.order[i]]
		if f.Match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RaisedAt.After(out[j].RaisedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) Close() error { return nil }
