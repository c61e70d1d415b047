package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nidhogg/mission-engine/internal/mission"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// tsLayout is fixed width so TEXT timestamps compare in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func textTime(t time.Time) any { return ts(t) }

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SQLite is an embedded single-node Repository.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteMigration struct {
	Version int
	UpSQL   string
}

var sqliteMigrations = []sqliteMigration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	location TEXT,
	assigned_vessel_id TEXT NOT NULL DEFAULT '',
	assigned_agents TEXT NOT NULL DEFAULT '[]',
	start_time TEXT,
	end_time TEXT,
	steps TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	origin_condition TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
CREATE INDEX IF NOT EXISTS idx_missions_origin ON missions(origin_condition);

CREATE TABLE IF NOT EXISTS mission_steps (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	action TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL CHECK(status IN ('pending','in-progress','completed','failed','skipped')),
	timeout_ns INTEGER NOT NULL DEFAULT 0,
	retry_on_fail INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0 CHECK(max_retries >= 0),
	optional INTEGER NOT NULL DEFAULT 0,
	attempt INTEGER NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT,
	finished_at TEXT,
	UNIQUE(mission_id, idx),
	FOREIGN KEY(mission_id) REFERENCES missions(id)
);

CREATE TABLE IF NOT EXISTS mission_logs (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL DEFAULT '',
	log_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	source_module TEXT NOT NULL DEFAULT '',
	event_timestamp TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_mission_logs_mission ON mission_logs(mission_id, event_timestamp);

CREATE TRIGGER IF NOT EXISTS mission_logs_no_update BEFORE UPDATE ON mission_logs
BEGIN
	SELECT RAISE(ABORT, 'mission_logs is append-only');
END;

CREATE TRIGGER IF NOT EXISTS mission_logs_no_delete BEFORE DELETE ON mission_logs
BEGIN
	SELECT RAISE(ABORT, 'mission_logs is append-only');
END;

CREATE TABLE IF NOT EXISTS mission_alerts (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	severity_rank INTEGER NOT NULL,
	message TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	raised_at TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0,
	acknowledged_at TEXT,
	acknowledged_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_mission_alerts_open ON mission_alerts(acknowledged, severity_rank);
`,
	},
}

// Migrate applies pending versioned migrations.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range sqliteMigrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.Version, ts(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		s.logger.Info("Migration applied", zap.Int("version", m.Version))
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *SQLite) InsertMission(ctx context.Context, m *mission.Mission) error {
	enc, err := encodeMission(m)
	if err != nil {
		return fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	var location any
	if enc.location != nil {
		location = string(enc.location)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO missions(`+missionColumns+`, origin_condition)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Code, m.Name, string(m.Type), string(m.Status), string(m.Priority), location,
		m.AssignedVesselID, string(enc.agents), nullableTS(m.StartTime), nullableTS(m.EndTime),
		string(enc.steps), string(enc.metadata), ts(m.CreatedAt), ts(m.UpdatedAt),
		m.Metadata.Origin.Condition,
	)
	if err != nil {
		return fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateMission(ctx context.Context, m *mission.Mission) error {
	enc, err := encodeMission(m)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", m.ID, err)
	}
	var location any
	if enc.location != nil {
		location = string(enc.location)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE missions SET
	name=?, type=?, status=?, priority=?, location=?, assigned_vessel_id=?, assigned_agents=?,
	start_time=?, end_time=?, steps=?, metadata=?, updated_at=?, origin_condition=?
WHERE id=?`,
		m.Name, string(m.Type), string(m.Status), string(m.Priority), location, m.AssignedVesselID,
		string(enc.agents), nullableTS(m.StartTime), nullableTS(m.EndTime), string(enc.steps),
		string(enc.metadata), ts(m.UpdatedAt), m.Metadata.Origin.Condition, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update mission %s: %w", m.ID, mission.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteMission(row rowScanner) (*mission.Mission, error) {
	var (
		m                   mission.Mission
		location            sql.NullString
		agents, steps, meta string
		start, end          sql.NullString
		created, updated    string
	)
	if err := row.Scan(&m.ID, &m.Code, &m.Name, &m.Type, &m.Status, &m.Priority, &location,
		&m.AssignedVesselID, &agents, &start, &end, &steps, &meta, &created, &updated); err != nil {
		return nil, err
	}
	enc := missionJSON{agents: []byte(agents), steps: []byte(steps), metadata: []byte(meta)}
	if location.Valid {
		enc.location = []byte(location.String)
	}
	if err := enc.decodeInto(&m); err != nil {
		return nil, err
	}
	var err error
	if m.StartTime, err = parseNullTS(start); err != nil {
		return nil, err
	}
	if m.EndTime, err = parseNullTS(end); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLite) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanLiteMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get mission %s: %w", id, mission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLite) QueryMissions(ctx context.Context, f mission.MissionFilter) ([]*mission.Mission, error) {
	w := &where{placeholder: question, timeArg: textTime}
	w.missions(f)
	q := `SELECT ` + missionColumns + ` FROM missions` + w.String() + ` ORDER BY rowid DESC` + w.limit(f.Limit)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	var out []*mission.Mission
	for rows.Next() {
		m, err := scanLiteMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertSteps(ctx context.Context, steps []*mission.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, st := range steps {
		params, err := encodeParams(st.Params)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO mission_steps(`+stepColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.MissionID, st.Index, st.Name, st.Action, string(params), string(st.Status),
			int64(st.Timeout), boolToInt(st.RetryOnFail), st.MaxRetries, boolToInt(st.Optional),
			st.Attempt, st.Output, st.Error, nullableTS(st.StartedAt), nullableTS(st.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) UpdateStep(ctx context.Context, st *mission.Step) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE mission_steps SET status=?, attempt=?, output=?, error=?, started_at=?, finished_at=?
WHERE id=?`,
		string(st.Status), st.Attempt, st.Output, st.Error, nullableTS(st.StartedAt),
		nullableTS(st.FinishedAt), st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step %s: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update step %s: %w", st.ID, mission.ErrNotFound)
	}
	return nil
}

func (s *SQLite) QuerySteps(ctx context.Context, missionID string) ([]*mission.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM mission_steps WHERE mission_id = ? ORDER BY idx`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []*mission.Step
	for rows.Next() {
		var (
			st                mission.Step
			params            string
			timeout           int64
			retry, optional   int
			started, finished sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.MissionID, &st.Index, &st.Name, &st.Action, &params,
			&st.Status, &timeout, &retry, &st.MaxRetries, &optional, &st.Attempt, &st.Output,
			&st.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Timeout = time.Duration(timeout)
		st.RetryOnFail = retry != 0
		st.Optional = optional != 0
		if st.Params, err = decodeParams([]byte(params)); err != nil {
			return nil, err
		}
		if st.StartedAt, err = parseNullTS(started); err != nil {
			return nil, err
		}
		if st.FinishedAt, err = parseNullTS(finished); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertLog(ctx context.Context, l *mission.Log) error {
	meta, err := jsonMetadata(l.Metadata)
	if err != nil {
		return fmt.Errorf("insert log %s: %w", l.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO mission_logs(id, mission_id, log_type, severity, title, message, category, source_module, event_timestamp, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.MissionID, string(l.Type), string(l.Severity), l.Title, l.Message, l.Category,
		l.SourceModule, ts(l.EventTimestamp), string(meta),
	)
	if err != nil {
		return fmt.Errorf("insert log %s: %w", l.ID, err)
	}
	return nil
}

func (s *SQLite) QueryLogs(ctx context.Context, f mission.LogFilter) ([]*mission.Log, error) {
	w := &where{placeholder: question, timeArg: textTime}
	w.logs(f)
	q := `SELECT id, mission_id, log_type, severity, title, message, category, source_module, event_timestamp, metadata
FROM mission_logs` + w.String() + ` ORDER BY event_timestamp DESC, rowid DESC` + w.limit(f.Limit)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []*mission.Log
	for rows.Next() {
		var (
			l        mission.Log
			at, meta string
		)
		if err := rows.Scan(&l.ID, &l.MissionID, &l.Type, &l.Severity, &l.Title, &l.Message,
			&l.Category, &l.SourceModule, &at, &meta); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if l.EventTimestamp, err = parseTS(at); err != nil {
			return nil, err
		}
		if l.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertAlert(ctx context.Context, a *mission.Alert) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mission_alerts(id, mission_id, severity, severity_rank, message, source, raised_at, acknowledged, acknowledged_at, acknowledged_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MissionID, string(a.Severity), severityRank(a.Severity), a.Message, a.Source,
		ts(a.RaisedAt), boolToInt(a.Acknowledged), nullableTS(a.AcknowledgedAt), a.AcknowledgedBy,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateAlert(ctx context.Context, a *mission.Alert) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE mission_alerts SET acknowledged=?, acknowledged_at=?, acknowledged_by=? WHERE id=?`,
		boolToInt(a.Acknowledged), nullableTS(a.AcknowledgedAt), a.AcknowledgedBy, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update alert %s: %w", a.ID, mission.ErrNotFound)
	}
	return nil
}

func scanLiteAlert(row rowScanner) (*mission.Alert, error) {
	var (
		a      mission.Alert
		raised string
		acked  int
		ackAt  sql.NullString
	)
	if err := row.Scan(&a.ID, &a.MissionID, &a.Severity, &a.Message, &a.Source, &raised,
		&acked, &ackAt, &a.AcknowledgedBy); err != nil {
		return nil, err
	}
	var err error
	if a.RaisedAt, err = parseTS(raised); err != nil {
		return nil, err
	}
	if a.AcknowledgedAt, err = parseNullTS(ackAt); err != nil {
		return nil, err
	}
	a.Acknowledged = acked != 0
	return &a, nil
}

func (s *SQLite) GetAlert(ctx context.Context, id string) (*mission.Alert, error) {
	a, err := scanLiteAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM mission_alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get alert %s: %w", id, mission.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLite) QueryAlerts(ctx context.Context, f mission.AlertFilter) ([]*mission.Alert, error) {
	w := &where{placeholder: question, timeArg: textTime}
	w.alerts(f)
	q := `SELECT ` + alertColumns + ` FROM mission_alerts` + w.String() + ` ORDER BY raised_at DESC, rowid DESC` + w.limit(f.Limit)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*mission.Alert
	for rows.Next() {
		a, err := scanLiteAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
