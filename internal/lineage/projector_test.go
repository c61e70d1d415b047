package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/notify"
)

func TestProjectorLineage(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Skipf("start neo4j: %v", err)
	}
	testcontainers.CleanupContainer(t, container)
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("bolt url: %v", err)
	}

	p, err := NewProjector(ctx, uri, "", "", zap.NewNop())
	if err != nil {
		t.Fatalf("NewProjector: %v", err)
	}
	defer p.Close(ctx)
	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	now := time.Now()
	events := []notify.Event{
		{Type: notify.MissionChanged, MissionID: "m-2", Status: "planned", Condition: "alert-backlog", At: now},
		{Type: notify.MissionChanged, MissionID: "m-1", Status: "planned", Condition: "alert-backlog", At: now},
		{Type: notify.MissionChanged, MissionID: "m-1", Status: "in-progress", Condition: "alert-backlog", At: now},
		{Type: notify.MissionChanged, MissionID: "m-3", Status: "planned", At: now},
		{Type: notify.AlertRaised, MissionID: "m-1", EntityID: "a-1", Severity: "critical", At: now},
		{Type: notify.AlertAcknowledged, MissionID: "m-1", EntityID: "a-1", At: now},
		{Type: notify.LogAppended, MissionID: "m-1", EntityID: "l-1", At: now},
	}
	for _, e := range events {
		if err := p.Forward(ctx, e); err != nil {
			t.Fatalf("Forward(%s): %v", e.Type, err)
		}
	}

	ids, err := p.Triggered(ctx, "alert-backlog")
	if err != nil {
		t.Fatalf("Triggered: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m-1" || ids[1] != "m-2" {
		t.Errorf("Triggered = %v, want [m-1 m-2]", ids)
	}

	alerts, err := p.Alerts(ctx, "m-1")
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0] != "a-1" {
		t.Errorf("Alerts = %v", alerts)
	}
}
