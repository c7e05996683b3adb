package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// #region export
type exportFile struct {
	RunID      string    `json:"run_id"`
	AgentName  string    `json:"agent_name"`
	AgentID    string    `json:"agent_id"`
	StartTime  time.Time `json:"start_time"`
	Iterations []Record  `json:"iterations"`
}

// WriteJSON writes the run and every record to path.
func (s *Store) WriteJSON(path string) error {
	meta := s.Meta()
	out := exportFile{
		RunID:      meta.RunID,
		AgentName:  meta.AgentName,
		AgentID:    meta.AgentID,
		StartTime:  meta.StartTime,
		Iterations: s.Records(),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trajectory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write trajectory: %w", err)
	}
	return nil
}

// ReadJSON loads a file written by WriteJSON.
func ReadJSON(path string) (RunMeta, []Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunMeta{}, nil, fmt.Errorf("read trajectory: %w", err)
	}
	var in exportFile
	if err := json.Unmarshal(data, &in); err != nil {
		return RunMeta{}, nil, fmt.Errorf("parse trajectory: %w", err)
	}
	meta := RunMeta{RunID: in.RunID, AgentName: in.AgentName, AgentID: in.AgentID, StartTime: in.StartTime}
	return meta, in.Iterations, nil
}

// #endregion export

// #region restore
// Restore rebuilds an in-memory store from saved records. Records must be
// gapless from 1. The persister, if given, is not replayed.
func Restore(meta RunMeta, records []Record, opts ...Option) (*Store, error) {
	s := NewStore(meta, opts...)
	p := s.persist
	s.persist = nil
	for _, r := range records {
		if err := s.Append(r); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}
	if n := len(records); n > 0 {
		s.activeID = records[n-1].Configuration.VersionID
	}
	s.persist = p
	return s, nil
}

// #endregion restore
