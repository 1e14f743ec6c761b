package dialer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/acme/power-dialer/internal/domain"
	apperrors "github.com/acme/power-dialer/pkg/errors"
)

// RunStore holds live runs. Each run has its own lock so commands and events
// for one run are serialized while different runs proceed in parallel.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*runSlot
}

type runSlot struct {
	mu  sync.Mutex
	run *domain.DialerRun
}

// NewRunStore constructs an empty store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*runSlot)}
}

// Create adds a run. Ids must be unique.
func (s *RunStore) Create(run *domain.DialerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s already exists", apperrors.ErrConflict, run.ID)
	}
	if run.ActiveLegs == nil {
		run.ActiveLegs = make(map[string]*domain.Leg)
	}
	s.runs[run.ID] = &runSlot{run: run}
	return nil
}

// With runs fn while holding the run's lock.
func (s *RunStore) With(runID string, fn func(run *domain.DialerRun) error) error {
	s.mu.RLock()
	slot, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: run %s", apperrors.ErrNotFound, runID)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return fn(slot.run)
}

// Snapshot returns a consistent deep copy of the run.
func (s *RunStore) Snapshot(runID string) (domain.DialerRun, error) {
	var snap domain.DialerRun
	err := s.With(runID, func(run *domain.DialerRun) error {
		snap = run.Clone()
		return nil
	})
	return snap, err
}

// Delete forgets a run.
func (s *RunStore) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// IDs lists run ids ordered by creation time.
func (s *RunStore) IDs() []string {
	s.mu.RLock()
	type entry struct {
		id   string
		slot *runSlot
	}
	entries := make([]entry, 0, len(s.runs))
	for id, slot := range s.runs {
		entries = append(entries, entry{id: id, slot: slot})
	}
	s.mu.RUnlock()

	created := make(map[string]int64, len(entries))
	for _, e := range entries {
		e.slot.mu.Lock()
		created[e.id] = e.slot.run.CreatedAt.UnixNano()
		e.slot.mu.Unlock()
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if created[ids[i]] == created[ids[j]] {
			return ids[i] < ids[j]
		}
		return created[ids[i]] < created[ids[j]]
	})
	return ids
}
