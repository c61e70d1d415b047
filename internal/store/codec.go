package store

import (
	"encoding/json"
	"fmt"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// missionJSON holds the JSON-encoded columns of a mission row.
type missionJSON struct {
	location []byte
	agents   []byte
	steps    []byte
	metadata []byte
}

func encodeMission(m *mission.Mission) (missionJSON, error) {
	var (
		enc missionJSON
		err error
	)
	if m.Location != nil {
		if enc.location, err = json.Marshal(m.Location); err != nil {
			return enc, fmt.Errorf("marshal location: %w", err)
		}
	}
	agents := m.AssignedAgents
	if agents == nil {
		agents = []string{}
	}
	if enc.agents, err = json.Marshal(agents); err != nil {
		return enc, fmt.Errorf("marshal agents: %w", err)
	}
	if enc.steps, err = json.Marshal(m.Steps); err != nil {
		return enc, fmt.Errorf("marshal steps: %w", err)
	}
	if enc.metadata, err = json.Marshal(m.Metadata); err != nil {
		return enc, fmt.Errorf("marshal metadata: %w", err)
	}
	return enc, nil
}

func (enc missionJSON) decodeInto(m *mission.Mission) error {
	if len(enc.location) > 0 && string(enc.location) != "null" {
		m.Location = &mission.Location{}
		if err := json.Unmarshal(enc.location, m.Location); err != nil {
			return fmt.Errorf("unmarshal location: %w", err)
		}
	}
	if len(enc.agents) > 0 {
		if err := json.Unmarshal(enc.agents, &m.AssignedAgents); err != nil {
			return fmt.Errorf("unmarshal agents: %w", err)
		}
		if len(m.AssignedAgents) == 0 {
			m.AssignedAgents = nil
		}
	}
	if len(enc.steps) > 0 {
		if err := json.Unmarshal(enc.steps, &m.Steps); err != nil {
			return fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(enc.metadata) > 0 {
		if err := json.Unmarshal(enc.metadata, &m.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return nil
}

func encodeParams(p map[string]string) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func decodeParams(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p map[string]string
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func jsonMetadata(m mission.Metadata) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (mission.Metadata, error) {
	var m mission.Metadata
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}
