// Package history stores the transfer activity the pattern detectors score
// against. The engine records each assessed transfer so subsequent
// assessments of the same subject see it as behavior.
package history

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// Stats summarizes a subject's transfer behavior over a window. Amount
// statistics are computed in float64; the underlying amounts stay decimal.
type Stats struct {
	Samples        int
	MeanAmount     float64
	StdDevAmount   float64
	DailyAvgCount  float64
	DailyAvgVolume float64
}

// Store is the transfer history contract the detectors consume.
type Store interface {
	// Record appends one observed transfer.
	Record(ctx context.Context, t models.Transfer) error
	// TransfersBySubject returns the subject's transfers at or after since,
	// oldest first.
	TransfersBySubject(ctx context.Context, subjectID string, since time.Time) ([]models.Transfer, error)
	// TransfersByCounterparty returns transfers whose counterparty matches,
	// at or after since, oldest first.
	TransfersByCounterparty(ctx context.Context, counterparty string, since time.Time) ([]models.Transfer, error)
	// Stats computes amount statistics for a subject over [since, until).
	Stats(ctx context.Context, subjectID string, since, until time.Time) (Stats, error)
}

// MemoryStore keeps transfers in two btree indexes ordered by
// (party, timestamp, sequence) so trailing-window scans are a single
// ascend from the window start.
type MemoryStore struct {
	mu            sync.RWMutex
	bySubject     *btree.Map[string, models.Transfer]
	byParty       *btree.Map[string, models.Transfer]
	subjectCounts map[string]int
	maxPerSubject int
	seq           uint64
}

// NewMemoryStore creates a store retaining at most maxPerSubject transfers
// per subject; zero or negative means unbounded.
func NewMemoryStore(maxPerSubject int) *MemoryStore {
	return &MemoryStore{
		bySubject:     btree.NewMap[string, models.Transfer](32),
		byParty:       btree.NewMap[string, models.Transfer](32),
		subjectCounts: make(map[string]int),
		maxPerSubject: maxPerSubject,
	}
}

// timeKey builds a lexically time-ordered key under a party prefix. The
// sequence suffix keeps same-instant transfers distinct.
func timeKey(party string, ts time.Time, seq uint64) string {
	return fmt.Sprintf("%s\x00%020d\x00%012d", party, ts.UnixNano(), seq)
}

func keyPivot(party string, ts time.Time) string {
	return fmt.Sprintf("%s\x00%020d\x00", party, ts.UnixNano())
}

// Record appends one transfer to both indexes, evicting the subject's oldest
// entry when the retention bound is exceeded.
func (s *MemoryStore) Record(_ context.Context, t models.Transfer) error {
	if t.SubjectID == "" {
		return fmt.Errorf("history: transfer missing subject id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.bySubject.Set(timeKey(t.SubjectID, t.Timestamp, s.seq), t)
	if t.Counterparty != "" {
		s.byParty.Set(timeKey(t.Counterparty, t.Timestamp, s.seq), t)
	}
	s.subjectCounts[t.SubjectID]++

	if s.maxPerSubject > 0 && s.subjectCounts[t.SubjectID] > s.maxPerSubject {
		s.evictOldestLocked(t.SubjectID)
	}
	return nil
}

func (s *MemoryStore) evictOldestLocked(subjectID string) {
	prefix := subjectID + "\x00"
	var oldestKey string
	var oldest models.Transfer
	s.bySubject.Ascend(prefix, func(key string, t models.Transfer) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		oldestKey, oldest = key, t
		return false
	})
	if oldestKey == "" {
		return
	}
	s.bySubject.Delete(oldestKey)
	s.subjectCounts[subjectID]--
	if oldest.Counterparty != "" {
		// Same seq suffix, so the party index key is reconstructible.
		suffix := strings.TrimPrefix(oldestKey, prefix)
		s.byParty.Delete(oldest.Counterparty + "\x00" + suffix)
	}
}

// TransfersBySubject returns the subject's transfers at or after since.
func (s *MemoryStore) TransfersBySubject(_ context.Context, subjectID string, since time.Time) ([]models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanFrom(s.bySubject, subjectID, since), nil
}

// TransfersByCounterparty returns transfers toward the given counterparty at
// or after since.
func (s *MemoryStore) TransfersByCounterparty(_ context.Context, counterparty string, since time.Time) ([]models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanFrom(s.byParty, counterparty, since), nil
}

func scanFrom(idx *btree.Map[string, models.Transfer], party string, since time.Time) []models.Transfer {
	prefix := party + "\x00"
	var out []models.Transfer
	idx.Ascend(keyPivot(party, since), func(key string, t models.Transfer) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		out = append(out, t)
		return true
	})
	return out
}

// Stats computes the subject's amount mean and population standard deviation
// plus daily averages over [since, until). Zero samples yields zero stats,
// never an error.
func (s *MemoryStore) Stats(_ context.Context, subjectID string, since, until time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := subjectID + "\x00"
	untilPivot := keyPivot(subjectID, until)

	var amounts []float64
	var volume float64
	s.bySubject.Ascend(keyPivot(subjectID, since), func(key string, t models.Transfer) bool {
		if !strings.HasPrefix(key, prefix) || key >= untilPivot {
			return false
		}
		v := t.Amount.InexactFloat64()
		amounts = append(amounts, v)
		volume += v
		return true
	})

	st := Stats{Samples: len(amounts)}
	if st.Samples == 0 {
		return st, nil
	}

	sum := 0.0
	for _, v := range amounts {
		sum += v
	}
	st.MeanAmount = sum / float64(len(amounts))

	variance := 0.0
	for _, v := range amounts {
		variance += math.Pow(v-st.MeanAmount, 2)
	}
	variance /= float64(len(amounts))
	st.StdDevAmount = math.Sqrt(variance)

	days := until.Sub(since).Hours() / 24
	if days < 1 {
		days = 1
	}
	st.DailyAvgCount = float64(st.Samples) / days
	st.DailyAvgVolume = volume / days
	return st, nil
}

// Len reports the number of transfers held in the subject index.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bySubject.Len()
}
