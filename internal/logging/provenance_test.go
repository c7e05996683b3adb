package logging

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1) // each :memory: connection is its own database
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

// #endregion helpers

// #region log-decision-tests
func TestLogDecision_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	detail, _ := json.Marshal(DecisionRecord{AppliedFields: []string{"generation_instructions"}, TrainAccuracy: 60})
	entry := ProvenanceEntry{
		RunID:       "run-1",
		Iteration:   2,
		VersionID:   "v1",
		CandidateID: "v2",
		TriggerType: "automatic",
		DetailJSON:  string(detail),
		Decision:    "apply",
		Reason:      "accepted 1 field(s)",
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogDecision(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ListDecisions(db, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0] != entry {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got[0], entry)
	}
}

func TestLogDecision_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC()
	if err := LogDecision(db, ProvenanceEntry{RunID: "r", VersionID: "v2", TriggerType: "interactive", Decision: "skip"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ListDecisions(db, "r")
	if err != nil || len(got) != 1 {
		t.Fatalf("list: %v (%d rows)", err, len(got))
	}
	if got[0].CreatedAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogDecision_EmptyOptionalFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := ProvenanceEntry{RunID: "r", VersionID: "v3", TriggerType: "automatic", Decision: "reject"}
	if err := LogDecision(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var candidate, detail, reason sql.NullString
	db.QueryRow("SELECT candidate_id, detail_json, reason FROM provenance_log").Scan(&candidate, &detail, &reason)
	if candidate.Valid {
		t.Error("expected NULL candidate_id for empty string")
	}
	if detail.Valid {
		t.Error("expected NULL detail_json for empty string")
	}
	if reason.Valid {
		t.Error("expected NULL reason for empty string")
	}
}

func TestLogDecision_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogDecision(db, ProvenanceEntry{RunID: "r", VersionID: "v4", TriggerType: "automatic", Decision: "apply"}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

func TestListDecisions_FiltersByRun(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	for _, run := range []string{"a", "b", "a"} {
		if err := LogDecision(db, ProvenanceEntry{RunID: run, VersionID: "v", TriggerType: "automatic", Decision: "apply"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ListDecisions(db, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 rows for run a, got %d", len(got))
	}
}

// #endregion log-decision-tests

// #region logger-tests
func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn", "json", "querytune")
	l.Info("hidden")
	l.Warn("shown", "case_id", "c1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("expected one JSON record: %v", err)
	}
	if rec["service"] != "querytune" || rec["case_id"] != "c1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// #endregion logger-tests

// #region null-if-empty-tests
func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Error("expected nil for empty string")
	}
	if nullIfEmpty("hello") != "hello" {
		t.Error("expected 'hello'")
	}
}

// #endregion null-if-empty-tests
