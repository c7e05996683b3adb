package trajectory

import (
	"fmt"
	"sort"
)

// #region summary
// Point is one iteration's accuracy.
type Point struct {
	Sequence int      `json:"sequence"`
	Accuracy float64  `json:"accuracy"`
	HeldOut  *float64 `json:"held_out,omitempty"`
}

// Summary describes the whole run.
type Summary struct {
	Iterations    int     `json:"iterations"`
	Best          Point   `json:"best"`
	Worst         Point   `json:"worst"`
	FirstAccuracy float64 `json:"first_accuracy"`
	FinalAccuracy float64 `json:"final_accuracy"`
	Improvement   float64 `json:"improvement"`
	Progression   []Point `json:"progression"`
}

// Summarize computes best, worst and progression over records.
func Summarize(records []Record) Summary {
	var s Summary
	if len(records) == 0 {
		return s
	}
	s.Iterations = len(records)
	for i, r := range records {
		p := Point{Sequence: r.Sequence, Accuracy: r.Train.Accuracy}
		if r.HeldOut != nil {
			h := r.HeldOut.Accuracy
			p.HeldOut = &h
		}
		s.Progression = append(s.Progression, p)
		if i == 0 || p.Accuracy > s.Best.Accuracy {
			s.Best = p
		}
		if i == 0 || p.Accuracy < s.Worst.Accuracy {
			s.Worst = p
		}
	}
	s.FirstAccuracy = records[0].Train.Accuracy
	s.FinalAccuracy = records[len(records)-1].Train.Accuracy
	s.Improvement = s.FinalAccuracy - s.FirstAccuracy
	return s
}

// Summary summarizes the store's records.
func (s *Store) Summary() Summary {
	return Summarize(s.Records())
}

// #endregion summary

// #region compare
// Comparison contrasts two iterations of the same run.
type Comparison struct {
	From          int      `json:"from"`
	To            int      `json:"to"`
	AccuracyDelta float64  `json:"accuracy_delta"`
	HeldOutDelta  *float64 `json:"held_out_delta,omitempty"`
	NewFailures   []string `json:"new_failures"`
	Resolved      []string `json:"resolved"`
}

// Compare reports how iteration to differs from iteration from.
func (s *Store) Compare(from, to int) (Comparison, error) {
	a, err := s.Get(from)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare: %w", err)
	}
	b, err := s.Get(to)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare: %w", err)
	}
	return CompareRecords(a, b), nil
}

// CompareRecords contrasts two records.
func CompareRecords(a, b Record) Comparison {
	c := Comparison{
		From:          a.Sequence,
		To:            b.Sequence,
		AccuracyDelta: b.Train.Accuracy - a.Train.Accuracy,
	}
	if a.HeldOut != nil && b.HeldOut != nil {
		d := b.HeldOut.Accuracy - a.HeldOut.Accuracy
		c.HeldOutDelta = &d
	}
	before := toSet(a.FailingIDs())
	after := toSet(b.FailingIDs())
	for id := range after {
		if !before[id] {
			c.NewFailures = append(c.NewFailures, id)
		}
	}
	for id := range before {
		if !after[id] {
			c.Resolved = append(c.Resolved, id)
		}
	}
	sort.Strings(c.NewFailures)
	sort.Strings(c.Resolved)
	return c
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// #endregion compare
