// Package trajectory keeps the append-only history of an optimization run
// and projects it into bounded optimizer context.
package trajectory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
)

// #region store-struct
// Persister writes history to durable storage. *SQLiteStore satisfies it.
type Persister interface {
	SaveIteration(runID string, rec Record) error
	Activate(runID string, cfg agentcfg.Configuration) error
}

// Store is the in-memory trajectory of one run. Appends are serialized;
// reads return copies.
type Store struct {
	mu           sync.RWMutex
	meta         RunMeta
	records      []Record
	activeID     string
	summaryChars int
	persist      Persister
}

// Option configures a Store.
type Option func(*Store)

// WithPersister mirrors every append to p.
func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }

// WithSummaryChars bounds configuration summaries in TopN entries.
func WithSummaryChars(n int) Option { return func(s *Store) { s.summaryChars = n } }

// NewStore creates an empty trajectory.
func NewStore(meta RunMeta, opts ...Option) *Store {
	if meta.StartTime.IsZero() {
		meta.StartTime = time.Now().UTC()
	}
	s := &Store{meta: meta, summaryChars: 500}
	for _, o := range opts {
		o(s)
	}
	return s
}

// #endregion store-struct

// #region meta
// Meta returns the run identity.
func (s *Store) Meta() RunMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// SetAgentID records the deployed agent identifier.
func (s *Store) SetAgentID(id string) {
	s.mu.Lock()
	s.meta.AgentID = id
	s.mu.Unlock()
}

// #endregion meta

// #region append
// NextSequence is the index the next appended record must carry.
func (s *Store) NextSequence() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records) + 1
}

// Append adds rec to the history. A zero Sequence is assigned the next index;
// any other value must equal it. Persistence failures are reported wrapped in
// ErrPersist after the in-memory append.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	next := len(s.records) + 1
	if rec.Sequence == 0 {
		rec.Sequence = next
	}
	if rec.Sequence != next {
		s.mu.Unlock()
		return fmt.Errorf("%w: got %d, want %d", ErrSequence, rec.Sequence, next)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec = rec.Clone()
	s.records = append(s.records, rec)
	runID, p := s.meta.RunID, s.persist
	s.mu.Unlock()

	if p != nil {
		if err := p.SaveIteration(runID, rec); err != nil {
			return fmt.Errorf("%w: iteration %d: %w", ErrPersist, rec.Sequence, err)
		}
	}
	return nil
}

// Activate marks cfg as the configuration now in effect.
func (s *Store) Activate(cfg agentcfg.Configuration) error {
	s.mu.Lock()
	s.activeID = cfg.VersionID
	runID, p := s.meta.RunID, s.persist
	s.mu.Unlock()
	if p != nil {
		if err := p.Activate(runID, cfg); err != nil {
			return fmt.Errorf("%w: activate %s: %w", ErrPersist, cfg.VersionID, err)
		}
	}
	return nil
}

// ActiveVersion is the VersionID last passed to Activate.
func (s *Store) ActiveVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// #endregion append

// #region read
// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get returns the record with the given 1-based sequence index.
func (s *Store) Get(seq int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 1 || seq > len(s.records) {
		return Record{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return s.records[seq-1].Clone(), nil
}

// Last returns the most recent record.
func (s *Store) Last() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return Record{}, false
	}
	return s.records[len(s.records)-1].Clone(), true
}

// Records returns every record in sequence order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Best returns the record with the highest train accuracy, earliest first on ties.
func (s *Store) Best() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return Record{}, false
	}
	best := 0
	for i, r := range s.records {
		if r.Train.Accuracy > s.records[best].Train.Accuracy {
			best = i
		}
	}
	return s.records[best].Clone(), true
}

// #endregion read

// #region top-n
// TopN keeps the n records with the highest train accuracy (earlier sequence
// wins ties) and returns them worst first, so the strongest entries sit last
// in any context built from them.
func (s *Store) TopN(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.records) == 0 {
		return nil
	}

	idx := make([]int, len(s.records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.records[idx[a]].Train.Accuracy > s.records[idx[b]].Train.Accuracy
	})
	if len(idx) > n {
		idx = idx[:n]
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := s.records[idx[a]], s.records[idx[b]]
		if ra.Train.Accuracy != rb.Train.Accuracy {
			return ra.Train.Accuracy < rb.Train.Accuracy
		}
		return ra.Sequence < rb.Sequence
	})

	out := make([]Entry, len(idx))
	for i, k := range idx {
		r := s.records[k]
		out[i] = Entry{
			Sequence:          r.Sequence,
			Accuracy:          r.Train.Accuracy,
			MeanScore:         r.Train.MeanScore,
			Summary:           r.Configuration.Summary(s.summaryChars),
			ChangeDescription: r.ChangeDescription,
		}
	}
	return out
}

// #endregion top-n
