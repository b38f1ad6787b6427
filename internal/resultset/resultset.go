// Package resultset accumulates deduplicated store records for export.
package resultset

import (
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/metrics"
)

// ErrFrozen is returned when inserting after Export.
var ErrFrozen = errors.New("result set is frozen")

// Merge outcomes reported by Insert.
const (
	MergeInserted = "inserted"
	MergeReplaced = "replaced"
	MergeKept     = "kept"
)

// ResultSet keys records by store id. Safe for concurrent use.
type ResultSet struct {
	mu      sync.Mutex
	records map[string]harvest.StoreRecord
	frozen  bool
}

// New returns an empty ResultSet.
func New() *ResultSet {
	return &ResultSet{records: make(map[string]harvest.StoreRecord)}
}

// MergeInsert stores rec, or keeps whichever of the existing and incoming
// record has more populated fields. Ties go to the later FetchedAt, and to
// the incoming record when timestamps are equal. It reports whether the
// stored value changed.
func (s *ResultSet) MergeInsert(rec harvest.StoreRecord) bool {
	changed, _ := s.Insert(rec)
	return changed
}

// Insert is MergeInsert that also returns the merge outcome and ErrFrozen
// once the set has been exported.
func (s *ResultSet) Insert(rec harvest.StoreRecord) (bool, error) {
	if rec.StoreID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return false, ErrFrozen
	}

	existing, ok := s.records[rec.StoreID]
	if !ok {
		s.records[rec.StoreID] = rec
		metrics.ObserveRecord(MergeInserted)
		return true, nil
	}
	if !prefer(rec, existing) {
		metrics.ObserveRecord(MergeKept)
		return false, nil
	}
	s.records[rec.StoreID] = rec
	metrics.ObserveRecord(MergeReplaced)
	return true, nil
}

// prefer reports whether incoming should replace existing.
func prefer(incoming, existing harvest.StoreRecord) bool {
	in, ex := incoming.PopulatedFields(), existing.PopulatedFields()
	if in != ex {
		return in > ex
	}
	return !incoming.FetchedAt.Before(existing.FetchedAt)
}

// Export freezes the set and returns its records ordered by province then
// store id. Subsequent calls return the same snapshot.
func (s *ResultSet) Export() []harvest.StoreRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true

	out := make([]harvest.StoreRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Province != out[j].Province {
			return out[i].Province < out[j].Province
		}
		return out[i].StoreID < out[j].StoreID
	})
	return out
}

// Len is the number of distinct stores held.
func (s *ResultSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Frozen reports whether Export has been called.
func (s *ResultSet) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}
