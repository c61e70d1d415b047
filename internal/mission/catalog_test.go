package mission

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleCatalog = `
missions:
  - name: harbor-patrol
    type: routine
    priority: medium
    labels:
      zone: harbor
    steps:
      - name: launch
        action: noop
      - name: sweep
        action: sleep
        params:
          duration: 10ms
        timeout: 5s
        retry_on_fail: true
        max_retries: 2
  - name: alert-response
    type: emergency
    priority: critical
    steps:
      - name: page
        action: audit
        params:
          message: responding
conditions:
  - name: hourly-patrol
    kind: always
    interval: 1h
    mission: harbor-patrol
    dedupe: true
  - name: alert-storm
    kind: alerts_unacknowledged
    interval: 30s
    threshold: 3
    severity: high
    mission: alert-response
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Missions) != 2 || len(c.Conditions) != 2 {
		t.Fatalf("got %d missions, %d conditions", len(c.Missions), len(c.Conditions))
	}
	tpl, ok := c.Template("harbor-patrol")
	if !ok {
		t.Fatal("template harbor-patrol not found")
	}
	sweep := tpl.Steps[1]
	if sweep.Timeout != 5*time.Second || !sweep.RetryOnFail || sweep.MaxRetries != 2 {
		t.Errorf("step fields not decoded: %+v", sweep)
	}
	if c.Conditions[0].Interval != time.Hour || !c.Conditions[0].Dedupe {
		t.Errorf("condition fields not decoded: %+v", c.Conditions[0])
	}

	m := tpl.Build()
	if m.Metadata.Labels["zone"] != "harbor" || m.Metadata.Origin.Kind != OriginManual {
		t.Errorf("unexpected built mission metadata: %+v", m.Metadata)
	}
	m.Steps[1].Params["duration"] = "1h"
	if tpl.Steps[1].Params["duration"] != "10ms" {
		t.Error("built mission shares params with template")
	}
}

func TestParseCatalogRejects(t *testing.T) {
	tests := map[string]string{
		"unknown mission": `
missions:
  - {name: a, type: routine, priority: low, steps: [{name: s, action: noop}]}
conditions:
  - {name: c, kind: always, interval: 1s, mission: b}
`,
		"bad kind": `
missions:
  - {name: a, type: routine, priority: low, steps: [{name: s, action: noop}]}
conditions:
  - {name: c, kind: sometimes, interval: 1s, mission: a}
`,
		"zero interval": `
missions:
  - {name: a, type: routine, priority: low, steps: [{name: s, action: noop}]}
conditions:
  - {name: c, kind: always, mission: a}
`,
		"stalled without max age": `
missions:
  - {name: a, type: routine, priority: low, steps: [{name: s, action: noop}]}
conditions:
  - {name: c, kind: missions_stalled, interval: 1s, mission: a}
`,
		"bad mission type": `
missions:
  - {name: a, type: party, priority: low, steps: [{name: s, action: noop}]}
`,
		"duplicate template": `
missions:
  - {name: a, type: routine, priority: low, steps: [{name: s, action: noop}]}
  - {name: a, type: routine, priority: low, steps: [{name: s, action: noop}]}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(doc)); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missions.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
