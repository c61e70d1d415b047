package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/mission-engine/internal/mission"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.up.sql
var postgresMigrations embed.FS

// Postgres is a Repository backed by a PostgreSQL connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres repository with a pgx connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate executes the embedded .up.sql files in name order. Every
// migration is idempotent, so running it on each start is safe.
func (s *Postgres) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := postgresMigrations.ReadFile("migrations/postgres/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

const missionColumns = `id, code, name, type, status, priority, location, assigned_vessel_id,
	assigned_agents, start_time, end_time, steps, metadata, created_at, updated_at`

func (s *Postgres) InsertMission(ctx context.Context, m *mission.Mission) error {
	enc, err := encodeMission(m)
	if err != nil {
		return fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO missions (`+missionColumns+`, origin_condition)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.Code, m.Name, string(m.Type), string(m.Status), string(m.Priority),
		enc.location, m.AssignedVesselID, enc.agents, m.StartTime, m.EndTime,
		enc.steps, enc.metadata, m.CreatedAt, m.UpdatedAt, m.Metadata.Origin.Condition,
	)
	if err != nil {
		return fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	return nil
}

func (s *Postgres) UpdateMission(ctx context.Context, m *mission.Mission) error {
	enc, err := encodeMission(m)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", m.ID, err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE missions SET
			name = $2, type = $3, status = $4, priority = $5, location = $6,
			assigned_vessel_id = $7, assigned_agents = $8, start_time = $9, end_time = $10,
			steps = $11, metadata = $12, updated_at = $13, origin_condition = $14
		WHERE id = $1`,
		m.ID, m.Name, string(m.Type), string(m.Status), string(m.Priority), enc.location,
		m.AssignedVesselID, enc.agents, m.StartTime, m.EndTime, enc.steps, enc.metadata,
		m.UpdatedAt, m.Metadata.Origin.Condition,
	)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update mission %s: %w", m.ID, mission.ErrNotFound)
	}
	return nil
}

func scanPGMission(row pgx.Row) (*mission.Mission, error) {
	var (
		m   mission.Mission
		enc missionJSON
	)
	err := row.Scan(
		&m.ID, &m.Code, &m.Name, &m.Type, &m.Status, &m.Priority, &enc.location,
		&m.AssignedVesselID, &enc.agents, &m.StartTime, &m.EndTime, &enc.steps,
		&enc.metadata, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := enc.decodeInto(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMission retrieves a single mission by ID.
func (s *Postgres) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	row := s.db.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	m, err := scanPGMission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get mission %s: %w", id, mission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	return m, nil
}

func (s *Postgres) QueryMissions(ctx context.Context, f mission.MissionFilter) ([]*mission.Mission, error) {
	w := &where{placeholder: dollar, timeArg: nativeTime}
	w.missions(f)
	q := `SELECT ` + missionColumns + ` FROM missions` + w.String() + ` ORDER BY seq DESC` + w.limit(f.Limit)

	rows, err := s.db.Query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	var out []*mission.Mission
	for rows.Next() {
		m, err := scanPGMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const stepColumns = `id, mission_id, idx, name, action, params, status, timeout_ns, retry_on_fail,
	max_retries, optional, attempt, output, error, started_at, finished_at`

// InsertSteps stores a materialized execution in one transaction.
func (s *Postgres) InsertSteps(ctx context.Context, steps []*mission.Step) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, st := range steps {
		params, err := encodeParams(st.Params)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO mission_steps (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			st.ID, st.MissionID, st.Index, st.Name, st.Action, params, string(st.Status),
			int64(st.Timeout), st.RetryOnFail, st.MaxRetries, st.Optional, st.Attempt,
			st.Output, st.Error, st.StartedAt, st.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) UpdateStep(ctx context.Context, st *mission.Step) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE mission_steps SET
			status = $2, attempt = $3, output = $4, error = $5, started_at = $6, finished_at = $7
		WHERE id = $1`,
		st.ID, string(st.Status), st.Attempt, st.Output, st.Error, st.StartedAt, st.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update step %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update step %s: %w", st.ID, mission.ErrNotFound)
	}
	return nil
}

func (s *Postgres) QuerySteps(ctx context.Context, missionID string) ([]*mission.Step, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+stepColumns+` FROM mission_steps WHERE mission_id = $1 ORDER BY idx`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []*mission.Step
	for rows.Next() {
		var (
			st      mission.Step
			params  []byte
			timeout int64
		)
		if err := rows.Scan(
			&st.ID, &st.MissionID, &st.Index, &st.Name, &st.Action, &params, &st.Status,
			&timeout, &st.RetryOnFail, &st.MaxRetries, &st.Optional, &st.Attempt,
			&st.Output, &st.Error, &st.StartedAt, &st.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Timeout = time.Duration(timeout)
		if st.Params, err = decodeParams(params); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertLog(ctx context.Context, l *mission.Log) error {
	meta, err := jsonMetadata(l.Metadata)
	if err != nil {
		return fmt.Errorf("insert log %s: %w", l.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO mission_logs (id, mission_id, log_type, severity, title, message, category,
			source_module, event_timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.MissionID, string(l.Type), string(l.Severity), l.Title, l.Message, l.Category,
		l.SourceModule, l.EventTimestamp, meta,
	)
	if err != nil {
		return fmt.Errorf("insert log %s: %w", l.ID, err)
	}
	return nil
}

// QueryLogs returns matching entries newest-first.
func (s *Postgres) QueryLogs(ctx context.Context, f mission.LogFilter) ([]*mission.Log, error) {
	w := &where{placeholder: dollar, timeArg: nativeTime}
	w.logs(f)
	q := `SELECT id, mission_id, log_type, severity, title, message, category, source_module,
		event_timestamp, metadata FROM mission_logs` + w.String() +
		` ORDER BY event_timestamp DESC, seq DESC` + w.limit(f.Limit)

	rows, err := s.db.Query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []*mission.Log
	for rows.Next() {
		var (
			l    mission.Log
			meta []byte
		)
		if err := rows.Scan(&l.ID, &l.MissionID, &l.Type, &l.Severity, &l.Title, &l.Message,
			&l.Category, &l.SourceModule, &l.EventTimestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if l.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertAlert(ctx context.Context, a *mission.Alert) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mission_alerts (id, mission_id, severity, severity_rank, message, source,
			raised_at, acknowledged, acknowledged_at, acknowledged_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.MissionID, string(a.Severity), severityRank(a.Severity), a.Message, a.Source,
		a.RaisedAt, a.Acknowledged, a.AcknowledgedAt, a.AcknowledgedBy,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *Postgres) UpdateAlert(ctx context.Context, a *mission.Alert) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE mission_alerts SET acknowledged = $2, acknowledged_at = $3, acknowledged_by = $4
		WHERE id = $1`,
		a.ID, a.Acknowledged, a.AcknowledgedAt, a.AcknowledgedBy,
	)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update alert %s: %w", a.ID, mission.ErrNotFound)
	}
	return nil
}

const alertColumns = `id, mission_id, severity, message, source, raised_at, acknowledged,
	acknowledged_at, acknowledged_by`

func scanPGAlert(row pgx.Row) (*mission.Alert, error) {
	var a mission.Alert
	err := row.Scan(&a.ID, &a.MissionID, &a.Severity, &a.Message, &a.Source, &a.RaisedAt,
		&a.Acknowledged, &a.AcknowledgedAt, &a.AcknowledgedBy)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) GetAlert(ctx context.Context, id string) (*mission.Alert, error) {
	a, err := scanPGAlert(s.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM mission_alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get alert %s: %w", id, mission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

func (s *Postgres) QueryAlerts(ctx context.Context, f mission.AlertFilter) ([]*mission.Alert, error) {
	w := &where{placeholder: dollar, timeArg: nativeTime}
	w.alerts(f)
	q := `SELECT ` + alertColumns + ` FROM mission_alerts` + w.String() +
		` ORDER BY raised_at DESC, seq DESC` + w.limit(f.Limit)

	rows, err := s.db.Query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*mission.Alert
	for rows.Next() {
		a, err := scanPGAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
