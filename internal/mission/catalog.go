package mission

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is a file of mission templates and the conditions that launch them.
type Catalog struct {
	Missions   []Template      `yaml:"missions"`
	Conditions []ConditionSpec `yaml:"conditions"`
}

// Template is a reusable mission definition.
type Template struct {
	Name     string            `yaml:"name"`
	Type     Type              `yaml:"type"`
	Priority Priority          `yaml:"priority"`
	Location *Location         `yaml:"location,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
	Steps    []StepTemplate    `yaml:"steps"`
}

// ConditionKind names a built-in predicate.
type ConditionKind string

const (
	ConditionAlways               ConditionKind = "always"
	ConditionAlertsUnacknowledged ConditionKind = "alerts_unacknowledged"
	ConditionMissionsStalled      ConditionKind = "missions_stalled"
)

// ConditionSpec declares a condition built from a built-in predicate.
type ConditionSpec struct {
	Name      string        `yaml:"name"`
	Kind      ConditionKind `yaml:"kind"`
	Interval  time.Duration `yaml:"interval"`
	Mission   string        `yaml:"mission"`
	Threshold int           `yaml:"threshold,omitempty"`
	Severity  Severity      `yaml:"severity,omitempty"`
	MaxAge    time.Duration `yaml:"max_age,omitempty"`
	// Dedupe skips the trigger while a mission it launched is still open.
	Dedupe bool `yaml:"dedupe,omitempty"`
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Template returns the mission template with the given name.
func (c *Catalog) Template(name string) (Template, bool) {
	for _, t := range c.Missions {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Missions))
	for _, t := range c.Missions {
		if _, dup := seen[t.Name]; dup {
			return validationf("duplicate mission template %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if err := t.Build().Validate(); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
	}
	conds := make(map[string]struct{}, len(c.Conditions))
	for _, cs := range c.Conditions {
		if cs.Name == "" {
			return validationf("condition name is required")
		}
		if _, dup := conds[cs.Name]; dup {
			return validationf("duplicate condition %q", cs.Name)
		}
		conds[cs.Name] = struct{}{}
		if cs.Interval <= 0 {
			return validationf("condition %q: interval must be > 0", cs.Name)
		}
		if _, ok := seen[cs.Mission]; !ok {
			return validationf("condition %q references unknown mission %q", cs.Name, cs.Mission)
		}
		switch cs.Kind {
		case ConditionAlways:
		case ConditionAlertsUnacknowledged:
			if cs.Severity != "" && !cs.Severity.Valid() {
				return validationf("condition %q: invalid severity %q", cs.Name, cs.Severity)
			}
		case ConditionMissionsStalled:
			if cs.MaxAge <= 0 {
				return validationf("condition %q: max_age must be > 0", cs.Name)
			}
		default:
			return validationf("condition %q: unknown kind %q", cs.Name, cs.Kind)
		}
		if cs.Threshold < 0 {
			return validationf("condition %q: threshold must be >= 0", cs.Name)
		}
	}
	return nil
}

// Build returns an unsaved manual mission from the template.
func (t Template) Build() *Mission {
	m := &Mission{
		Name:     t.Name,
		Type:     t.Type,
		Priority: t.Priority,
		Steps:    make([]StepTemplate, len(t.Steps)),
		Metadata: MissionMetadata{Origin: Origin{Kind: OriginManual}},
	}
	if t.Location != nil {
		loc := *t.Location
		m.Location = &loc
	}
	for i, s := range t.Steps {
		m.Steps[i] = s.clone()
	}
	if len(t.Labels) > 0 {
		m.Metadata.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			m.Metadata.Labels[k] = v
		}
	}
	return m
}
