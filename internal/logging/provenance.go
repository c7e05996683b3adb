package logging

import (
	"database/sql"
	"fmt"
	"time"
)

const provenanceSchema = `
CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	version_id    TEXT NOT NULL,
	candidate_id  TEXT,
	trigger_type  TEXT NOT NULL,
	detail_json   TEXT,
	decision      TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provenance_run ON provenance_log(run_id, iteration);
`

// #region schema
// EnsureSchema creates the provenance_log table if it does not exist.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(provenanceSchema); err != nil {
		return fmt.Errorf("migrate provenance_log: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO provenance_log (run_id, iteration, version_id, candidate_id, trigger_type, detail_json, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Iteration,
		entry.VersionID,
		nullIfEmpty(entry.CandidateID),
		entry.TriggerType,
		nullIfEmpty(entry.DetailJSON),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns a run's provenance entries in insertion order.
func ListDecisions(db *sql.DB, runID string) ([]ProvenanceEntry, error) {
	rows, err := db.Query(
		`SELECT run_id, iteration, version_id, candidate_id, trigger_type, detail_json, decision, reason, created_at
		 FROM provenance_log WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var e ProvenanceEntry
		var candidate, detail, reason sql.NullString
		var created string
		if err := rows.Scan(&e.RunID, &e.Iteration, &e.VersionID, &candidate, &e.TriggerType, &detail, &e.Decision, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.CandidateID, e.DetailJSON, e.Reason = candidate.String, detail.String, reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
