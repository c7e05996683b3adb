package trajectory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	agent_name  TEXT,
	agent_id    TEXT,
	started_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS configurations (
	version_id  TEXT PRIMARY KEY,
	parent_id   TEXT,
	body_json   TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS iterations (
	run_id            TEXT NOT NULL,
	sequence          INTEGER NOT NULL,
	version_id        TEXT NOT NULL,
	train_accuracy    REAL NOT NULL,
	heldout_accuracy  REAL,
	record_json       TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence),
	FOREIGN KEY (run_id) REFERENCES runs(run_id),
	FOREIGN KEY (version_id) REFERENCES configurations(version_id)
);

CREATE TABLE IF NOT EXISTS active_configuration (
	run_id      TEXT PRIMARY KEY,
	version_id  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id),
	FOREIGN KEY (version_id) REFERENCES configurations(version_id)
);
`

// #endregion schema

// #region store-struct
// SQLiteStore persists runs, configuration versions and iteration records.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// #endregion store-struct

// #region runs
// CreateRun registers a run.
func (s *SQLiteStore) CreateRun(meta RunMeta) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, agent_name, agent_id, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET agent_name = excluded.agent_name, agent_id = excluded.agent_id`,
		meta.RunID, nullIfEmpty(meta.AgentName), nullIfEmpty(meta.AgentID), meta.StartTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns() ([]RunMeta, error) {
	rows, err := s.db.Query(`SELECT run_id, agent_name, agent_id, started_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunMeta
	for rows.Next() {
		m, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunMeta, error) {
	var m RunMeta
	var name, agentID sql.NullString
	var started string
	if err := row.Scan(&m.RunID, &name, &agentID, &started); err != nil {
		return RunMeta{}, fmt.Errorf("scan run: %w", err)
	}
	m.AgentName, m.AgentID = name.String, agentID.String
	m.StartTime, _ = time.Parse(time.RFC3339Nano, started)
	return m, nil
}

// #endregion runs

// #region save-iteration
// SaveIteration stores rec and its configuration in one transaction.
func (s *SQLiteStore) SaveIteration(runID string, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertConfiguration(tx, rec.Configuration); err != nil {
		return err
	}

	var heldOut any
	if rec.HeldOut != nil {
		heldOut = rec.HeldOut.Accuracy
	}
	_, err = tx.Exec(
		`INSERT INTO iterations (run_id, sequence, version_id, train_accuracy, heldout_accuracy, record_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Sequence, rec.Configuration.VersionID, rec.Train.Accuracy, heldOut, string(body),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertConfiguration(tx *sql.Tx, cfg agentcfg.Configuration) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	created := cfg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = tx.Exec(
		`INSERT INTO configurations (version_id, parent_id, body_json, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(version_id) DO NOTHING`,
		cfg.VersionID, nullIfEmpty(cfg.ParentID), string(body), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert configuration: %w", err)
	}
	return nil
}

// #endregion save-iteration

// #region activate
// Activate stores cfg and points the run's active configuration at it.
func (s *SQLiteStore) Activate(runID string, cfg agentcfg.Configuration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertConfiguration(tx, cfg); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO active_configuration (run_id, version_id) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET version_id = excluded.version_id`,
		runID, cfg.VersionID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Active returns the configuration currently in effect for a run.
func (s *SQLiteStore) Active(runID string) (agentcfg.Configuration, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_configuration WHERE run_id = ?`, runID).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return agentcfg.Configuration{}, fmt.Errorf("%w: no active configuration for run %s", ErrNotFound, runID)
	}
	if err != nil {
		return agentcfg.Configuration{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetConfiguration(versionID)
}

// GetConfiguration reads a specific configuration version.
func (s *SQLiteStore) GetConfiguration(versionID string) (agentcfg.Configuration, error) {
	var body string
	err := s.db.QueryRow(`SELECT body_json FROM configurations WHERE version_id = ?`, versionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return agentcfg.Configuration{}, fmt.Errorf("%w: configuration %s", ErrNotFound, versionID)
	}
	if err != nil {
		return agentcfg.Configuration{}, fmt.Errorf("get configuration %s: %w", versionID, err)
	}
	var cfg agentcfg.Configuration
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return agentcfg.Configuration{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return cfg, nil
}

// #endregion activate

// #region load
// LoadRun returns a run's metadata and records in sequence order.
func (s *SQLiteStore) LoadRun(runID string) (RunMeta, []Record, error) {
	meta, err := scanRun(s.db.QueryRow(`SELECT run_id, agent_name, agent_id, started_at FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunMeta{}, nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return RunMeta{}, nil, err
	}

	rows, err := s.db.Query(`SELECT record_json FROM iterations WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return RunMeta{}, nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return RunMeta{}, nil, fmt.Errorf("scan iteration: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return RunMeta{}, nil, fmt.Errorf("unmarshal iteration: %w", err)
		}
		out = append(out, rec)
	}
	return meta, out, rows.Err()
}

// #endregion load

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
