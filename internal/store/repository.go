package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/mission-engine/internal/config"
	"github.com/nidhogg/mission-engine/internal/mission"
	"go.uber.org/zap"
)

// Repository is the persistence boundary of the engine. Records are
// addressable by id; there are no delete operations because missions are
// soft-closed and logs are append-only. Missing records yield
// mission.ErrNotFound.
type Repository interface {
	InsertMission(ctx context.Context, m *mission.Mission) error
	UpdateMission(ctx context.Context, m *mission.Mission) error
	GetMission(ctx context.Context, id string) (*mission.Mission, error)
	QueryMissions(ctx context.Context, f mission.MissionFilter) ([]*mission.Mission, error)

	InsertSteps(ctx context.Context, steps []*mission.Step) error
	UpdateStep(ctx context.Context, s *mission.Step) error
	QuerySteps(ctx context.Context, missionID string) ([]*mission.Step, error)

	InsertLog(ctx context.Context, l *mission.Log) error
	QueryLogs(ctx context.Context, f mission.LogFilter) ([]*mission.Log, error)

	InsertAlert(ctx context.Context, a *mission.Alert) error
	UpdateAlert(ctx context.Context, a *mission.Alert) error
	GetAlert(ctx context.Context, id string) (*mission.Alert, error)
	QueryAlerts(ctx context.Context, f mission.AlertFilter) ([]*mission.Alert, error)

	Close() error
}

// Open builds the repository selected by cfg.Driver and applies its
// migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		logger.Info("using in-memory mission store")
		return NewMemory(), nil
	case config.DriverPostgres:
		pg, err := NewPostgres(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.DriverSQLite:
		lite, err := OpenSQLite(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		if err := lite.Migrate(ctx); err != nil {
			lite.Close()
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
