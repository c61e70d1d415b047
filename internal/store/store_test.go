package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/config"
	"github.com/nidhogg/mission-engine/internal/mission"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMission(id string, n int) *mission.Mission {
	return &mission.Mission{
		ID:       id,
		Code:     fmt.Sprintf("MSN-20260301-%06d", n),
		Name:     "patrol " + id,
		Type:     mission.TypeRoutine,
		Status:   mission.StatusPlanned,
		Priority: mission.PriorityMedium,
		Location: &mission.Location{Name: "harbor", Latitude: 59.9, Longitude: 10.7},
		Steps: []mission.StepTemplate{
			{Name: "prepare", Action: "noop"},
			{Name: "sweep", Action: "sleep", Params: map[string]string{"duration": "10ms"}, RetryOnFail: true, MaxRetries: 2},
		},
		Metadata:  mission.MissionMetadata{Origin: mission.Origin{Kind: mission.OriginManual}},
		CreatedAt: base.Add(time.Duration(n) * time.Second),
		UpdatedAt: base.Add(time.Duration(n) * time.Second),
	}
}

// runContract exercises the behavior every Repository must share.
func runContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("missions", func(t *testing.T) {
		m1 := newMission("m-1", 1)
		m2 := newMission("m-2", 2)
		m2.Type = mission.TypeEmergency
		m2.Metadata.Origin = mission.Origin{Kind: mission.OriginCondition, Condition: "low-fuel"}
		for _, m := range []*mission.Mission{m1, m2} {
			if err := repo.InsertMission(ctx, m); err != nil {
				t.Fatalf("InsertMission(%s): %v", m.ID, err)
			}
		}

		got, err := repo.GetMission(ctx, "m-1")
		if err != nil {
			t.Fatalf("GetMission: %v", err)
		}
		if got.Code != m1.Code || got.Location == nil || got.Location.Name != "harbor" {
			t.Errorf("round trip mismatch: %+v", got)
		}
		if len(got.Steps) != 2 || got.Steps[1].MaxRetries != 2 || got.Steps[1].Params["duration"] != "10ms" {
			t.Errorf("steps not preserved: %+v", got.Steps)
		}

		got.Name = "mutated"
		again, _ := repo.GetMission(ctx, "m-1")
		if again.Name == "mutated" {
			t.Error("returned mission aliases stored state")
		}

		if _, err := repo.GetMission(ctx, "missing"); !errors.Is(err, mission.ErrNotFound) {
			t.Errorf("GetMission(missing) = %v, want ErrNotFound", err)
		}
		if err := repo.UpdateMission(ctx, newMission("missing", 9)); !errors.Is(err, mission.ErrNotFound) {
			t.Errorf("UpdateMission(missing) = %v, want ErrNotFound", err)
		}

		started := base.Add(time.Minute)
		m1.Status = mission.StatusInProgress
		m1.StartTime = &started
		m1.SetAgents([]string{"b", "a", "b"})
		m1.UpdatedAt = started
		if err := repo.UpdateMission(ctx, m1); err != nil {
			t.Fatalf("UpdateMission: %v", err)
		}
		got, _ = repo.GetMission(ctx, "m-1")
		if got.Status != mission.StatusInProgress || got.StartTime == nil || !got.StartTime.Equal(started) {
			t.Errorf("update not applied: %+v", got)
		}
		if len(got.AssignedAgents) != 2 || got.AssignedAgents[0] != "a" {
			t.Errorf("agents = %v, want [a b]", got.AssignedAgents)
		}

		all, err := repo.QueryMissions(ctx, mission.MissionFilter{})
		if err != nil {
			t.Fatalf("QueryMissions: %v", err)
		}
		if len(all) != 2 || all[0].ID != "m-2" {
			t.Errorf("QueryMissions order = %v, want newest first", ids(all))
		}
		byType, _ := repo.QueryMissions(ctx, mission.MissionFilter{Type: mission.TypeEmergency})
		if len(byType) != 1 || byType[0].ID != "m-2" {
			t.Errorf("type filter = %v", ids(byType))
		}
		byOrigin, _ := repo.QueryMissions(ctx, mission.MissionFilter{OriginCondition: "low-fuel"})
		if len(byOrigin) != 1 {
			t.Errorf("origin filter = %v", ids(byOrigin))
		}
		limited, _ := repo.QueryMissions(ctx, mission.MissionFilter{Limit: 1})
		if len(limited) != 1 {
			t.Errorf("limit = %d entries", len(limited))
		}
	})

	t.Run("steps", func(t *testing.T) {
		m, _ := repo.GetMission(ctx, "m-1")
		steps := make([]*mission.Step, len(m.Steps))
		for i, tpl := range m.Steps {
			steps[i] = mission.NewStep(fmt.Sprintf("s-%d", i), m.ID, i, tpl)
		}
		if err := repo.InsertSteps(ctx, steps); err != nil {
			t.Fatalf("InsertSteps: %v", err)
		}

		now := base.Add(2 * time.Minute)
		if err := steps[0].BeginAttempt(now); err != nil {
			t.Fatal(err)
		}
		if err := steps[0].Finish(mission.StepCompleted, "ok", nil, now); err != nil {
			t.Fatal(err)
		}
		if err := repo.UpdateStep(ctx, steps[0]); err != nil {
			t.Fatalf("UpdateStep: %v", err)
		}

		got, err := repo.QuerySteps(ctx, m.ID)
		if err != nil {
			t.Fatalf("QuerySteps: %v", err)
		}
		if len(got) != 2 || got[0].Index != 0 || got[1].Index != 1 {
			t.Fatalf("steps out of order: %+v", got)
		}
		if got[0].Status != mission.StepCompleted || got[0].Attempt != 1 || got[0].Output != "ok" {
			t.Errorf("step 0 = %+v", got[0])
		}
		if !got[1].RetryOnFail || got[1].MaxRetries != 2 || got[1].Status != mission.StepPending {
			t.Errorf("step 1 = %+v", got[1])
		}
		if err := repo.UpdateStep(ctx, &mission.Step{ID: "missing", MissionID: m.ID}); !errors.Is(err, mission.ErrNotFound) {
			t.Errorf("UpdateStep(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("logs", func(t *testing.T) {
		entries := []*mission.Log{
			{ID: "l-1", MissionID: "m-1", Type: mission.LogInfo, Severity: mission.SeverityLow, Title: "first", Category: mission.CategoryMission, EventTimestamp: base.Add(1 * time.Millisecond)},
			{ID: "l-2", MissionID: "m-1", Type: mission.LogError, Severity: mission.SeverityHigh, Title: "second", Category: mission.CategoryStep, EventTimestamp: base.Add(2 * time.Millisecond),
				Metadata: mission.StepMetadata(mission.StepMeta{StepID: "s-1", StepName: "sweep", Attempt: 3, MaxRetries: 2, Error: "boom"})},
			{ID: "l-3", MissionID: "m-2", Type: mission.LogInfo, Severity: mission.SeverityLow, Title: "third", Category: mission.CategoryMission, EventTimestamp: base.Add(3 * time.Millisecond)},
		}
		for _, l := range entries {
			if err := repo.InsertLog(ctx, l); err != nil {
				t.Fatalf("InsertLog(%s): %v", l.ID, err)
			}
		}

		all, err := repo.QueryLogs(ctx, mission.LogFilter{})
		if err != nil {
			t.Fatalf("QueryLogs: %v", err)
		}
		if len(all) != 3 || all[0].ID != "l-3" || all[2].ID != "l-1" {
			t.Errorf("QueryLogs order = %v, want newest first", logIDs(all))
		}

		scoped, _ := repo.QueryLogs(ctx, mission.LogFilter{MissionID: "m-1", Type: mission.LogError})
		if len(scoped) != 1 || scoped[0].ID != "l-2" {
			t.Fatalf("filtered logs = %v", logIDs(scoped))
		}
		if md := scoped[0].Metadata; md.Kind != mission.MetaStep || md.Step == nil || md.Step.Attempt != 3 {
			t.Errorf("metadata lost: %+v", md)
		}

		windowed, _ := repo.QueryLogs(ctx, mission.LogFilter{Since: base.Add(2 * time.Millisecond), Until: base.Add(2 * time.Millisecond)})
		if len(windowed) != 1 || windowed[0].ID != "l-2" {
			t.Errorf("time window = %v", logIDs(windowed))
		}
	})

	t.Run("alerts", func(t *testing.T) {
		alerts := []*mission.Alert{
			{ID: "a-1", MissionID: "m-1", Severity: mission.SeverityMedium, Message: "slow", Source: "runner", RaisedAt: base.Add(time.Second)},
			{ID: "a-2", MissionID: "m-1", Severity: mission.SeverityCritical, Message: "failed", Source: "runner", RaisedAt: base.Add(2 * time.Second)},
		}
		for _, a := range alerts {
			if err := repo.InsertAlert(ctx, a); err != nil {
				t.Fatalf("InsertAlert(%s): %v", a.ID, err)
			}
		}

		if !alerts[0].Acknowledge("ops", base.Add(3*time.Second)) {
			t.Fatal("Acknowledge returned false on a fresh alert")
		}
		if err := repo.UpdateAlert(ctx, alerts[0]); err != nil {
			t.Fatalf("UpdateAlert: %v", err)
		}
		got, err := repo.GetAlert(ctx, "a-1")
		if err != nil {
			t.Fatalf("GetAlert: %v", err)
		}
		if !got.Acknowledged || got.AcknowledgedBy != "ops" || got.AcknowledgedAt == nil {
			t.Errorf("ack not persisted: %+v", got)
		}

		open := false
		unacked, _ := repo.QueryAlerts(ctx, mission.AlertFilter{Acknowledged: &open})
		if len(unacked) != 1 || unacked[0].ID != "a-2" {
			t.Errorf("unacknowledged = %+v", unacked)
		}
		severe, _ := repo.QueryAlerts(ctx, mission.AlertFilter{MinSeverity: mission.SeverityHigh})
		if len(severe) != 1 || severe[0].ID != "a-2" {
			t.Errorf("min severity = %+v", severe)
		}
		all, _ := repo.QueryAlerts(ctx, mission.AlertFilter{})
		if len(all) != 2 || all[0].ID != "a-2" {
			t.Errorf("alert order = %+v", all)
		}
		if _, err := repo.GetAlert(ctx, "missing"); !errors.Is(err, mission.ErrNotFound) {
			t.Errorf("GetAlert(missing) = %v, want ErrNotFound", err)
		}
	})
}

func ids(ms []*mission.Mission) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func logIDs(ls []*mission.Log) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ID
	}
	return out
}

func TestMemoryRepository(t *testing.T) {
	runContract(t, NewMemory())
}

func TestSQLiteRepository(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, config.DatabaseConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "missions.db")},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()
	runContract(t, repo)
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "missions.db")
	for i := 0; i < 2; i++ {
		s, err := OpenSQLite(ctx, path, zap.NewNop())
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate run %d: %v", i+1, err)
		}
		s.Close()
	}
}

func TestSQLiteLogsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "missions.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	l := &mission.Log{ID: "l-1", Type: mission.LogInfo, Severity: mission.SeverityLow, Title: "x", EventTimestamp: base}
	if err := s.InsertLog(ctx, l); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE mission_logs SET title = 'y' WHERE id = 'l-1'`); err == nil {
		t.Error("UPDATE on mission_logs succeeded")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mission_logs`); err == nil {
		t.Error("DELETE on mission_logs succeeded")
	}
}

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("missions_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	repo, err := Open(ctx, config.DatabaseConfig{
		Driver:   config.DriverPostgres,
		Postgres: config.PostgresConfig{DSN: dsn},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	// A second migrate must be a no-op.
	if err := repo.(*Postgres).Migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	runContract(t, repo)
}
