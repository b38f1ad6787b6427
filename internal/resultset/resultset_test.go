package resultset

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id, province string, fields int, at time.Time) harvest.StoreRecord {
	rec := harvest.StoreRecord{StoreID: id, Province: province, FetchedAt: at}
	extra := []*string{&rec.Name, &rec.Address, &rec.PostalCode, &rec.Phone, &rec.Hours, &rec.URL}
	for i := 0; i < fields && i < len(extra); i++ {
		*extra[i] = "v"
	}
	return rec
}

func TestMergeInsertKeepsRicherRecord(t *testing.T) {
	t.Parallel()

	s := New()
	require.True(t, s.MergeInsert(record("1", "ON", 2, t0)))
	require.False(t, s.MergeInsert(record("1", "ON", 1, t0.Add(time.Hour))), "poorer record must not replace")
	require.True(t, s.MergeInsert(record("1", "ON", 4, t0)))
	require.Equal(t, 1, s.Len())

	out := s.Export()
	require.Len(t, out, 1)
	require.Equal(t, 6, out[0].PopulatedFields())
}

func TestMergeInsertTieBreaksOnFetchedAt(t *testing.T) {
	t.Parallel()

	s := New()
	s.MergeInsert(record("1", "ON", 3, t0))
	require.False(t, s.MergeInsert(record("1", "ON", 3, t0.Add(-time.Minute))))
	require.True(t, s.MergeInsert(record("1", "ON", 3, t0.Add(time.Minute))))

	equal := record("1", "ON", 3, t0.Add(time.Minute))
	equal.Name = "incoming"
	require.True(t, s.MergeInsert(equal), "incoming wins an exact tie")
	require.Equal(t, "incoming", s.Export()[0].Name)
}

func TestMergeInsertIsIdempotent(t *testing.T) {
	t.Parallel()

	rec := record("9", "BC", 3, t0)
	once, twice := New(), New()
	once.MergeInsert(rec)
	twice.MergeInsert(rec)
	twice.MergeInsert(rec)
	require.Equal(t, once.Export(), twice.Export())
}

func TestMergeInsertNeverLosesFields(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	s := New()
	best := 0
	for i := 0; i < 500; i++ {
		s.MergeInsert(record("1", "ON", rng.Intn(7), t0.Add(time.Duration(rng.Intn(100))*time.Second)))
		s.mu.Lock()
		got := s.records["1"].PopulatedFields()
		s.mu.Unlock()
		require.GreaterOrEqual(t, got, best)
		best = got
	}
}

func TestExportOrderIsPermutationInvariant(t *testing.T) {
	t.Parallel()

	recs := []harvest.StoreRecord{
		record("3", "ON", 2, t0),
		record("1", "QC", 2, t0),
		record("2", "ON", 2, t0),
		record("10", "AB", 1, t0),
		record("3", "ON", 5, t0),
	}
	want := func() []harvest.StoreRecord {
		s := New()
		for _, r := range recs {
			s.MergeInsert(r)
		}
		return s.Export()
	}()
	require.Equal(t, []string{"10", "2", "3", "1"}, ids(want))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]harvest.StoreRecord(nil), recs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		s := New()
		for _, r := range shuffled {
			s.MergeInsert(r)
		}
		require.Equal(t, want, s.Export())
	}
}

func TestExportFreezes(t *testing.T) {
	t.Parallel()

	s := New()
	s.MergeInsert(record("1", "ON", 1, t0))
	first := s.Export()
	require.True(t, s.Frozen())

	changed, err := s.Insert(record("2", "ON", 1, t0))
	require.ErrorIs(t, err, ErrFrozen)
	require.False(t, changed)
	require.False(t, s.MergeInsert(record("3", "ON", 1, t0)))
	require.Equal(t, first, s.Export())
}

func TestConcurrentMergeInsert(t *testing.T) {
	t.Parallel()

	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.MergeInsert(record(string(rune('a'+i%26)), "ON", (w+i)%7, t0))
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 26, s.Len())
}

func TestEmptyStoreIDIgnored(t *testing.T) {
	t.Parallel()

	s := New()
	require.False(t, s.MergeInsert(harvest.StoreRecord{Name: "nameless"}))
	require.Zero(t, s.Len())
}

func ids(recs []harvest.StoreRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.StoreID)
	}
	return out
}
