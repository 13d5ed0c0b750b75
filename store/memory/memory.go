/*
Package memory is an in-process tutoring.Repository.

PURPOSE:
  Backs tests and the "memory" storage driver. Records live in maps keyed by
  id; the makeup ledger is the generic in-memory store.

TRANSACTIONS:
  WithTx serializes transactions and takes a copy of every collection
  before running fn. When fn fails the copy is restored. Writes made
  outside WithTx while a transaction is open are not isolated from it.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/generic/store"
	"github.com/warp/lesson-engine/tutoring"
)

type Repository struct {
	*store.Memory

	mu            sync.RWMutex
	txMu          sync.Mutex
	students      map[tutoring.StudentID]tutoring.Student
	entries       map[string]tutoring.ScheduleEntry
	cancellations []tutoring.Cancellation
	extras        map[string]tutoring.Extra
	settlements   map[settlementKey]tutoring.Settlement
}

type settlementKey struct {
	student  tutoring.StudentID
	periodID string
}

func New() *Repository {
	return &Repository{
		Memory:      store.NewMemory(),
		students:    make(map[tutoring.StudentID]tutoring.Student),
		entries:     make(map[string]tutoring.ScheduleEntry),
		extras:      make(map[string]tutoring.Extra),
		settlements: make(map[settlementKey]tutoring.Settlement),
	}
}

// Seed replaces every collection with the records of snap. Ledger history is kept.
func (r *Repository) Seed(snap tutoring.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.students = lo.KeyBy(snap.Students, func(s tutoring.Student) tutoring.StudentID { return s.ID })
	r.entries = lo.KeyBy(snap.Entries, func(e tutoring.ScheduleEntry) string { return e.ID })
	r.cancellations = append([]tutoring.Cancellation(nil), snap.Cancellations...)
	r.extras = lo.KeyBy(snap.Extras, func(x tutoring.Extra) string { return x.ID })
	r.settlements = lo.KeyBy(snap.Settlements, func(s tutoring.Settlement) settlementKey {
		return settlementKey{student: s.StudentID, periodID: s.PeriodID}
	})
}

// =============================================================================
// STUDENTS
// =============================================================================

func (r *Repository) ListStudents(_ context.Context) ([]tutoring.Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.students)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) GetStudent(_ context.Context, id tutoring.StudentID) (tutoring.Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.students[id]
	if !ok {
		return tutoring.Student{}, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	return st, nil
}

func (r *Repository) UpsertStudent(_ context.Context, st tutoring.Student) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.students[st.ID] = st
	return nil
}

func (r *Repository) DeleteStudent(_ context.Context, id tutoring.StudentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.students[id]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	delete(r.students, id)
	return nil
}

// =============================================================================
// SCHEDULE
// =============================================================================

func (r *Repository) ListScheduleEntries(_ context.Context) ([]tutoring.ScheduleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repository) UpsertScheduleEntry(_ context.Context, e tutoring.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
	return nil
}

func (r *Repository) DeleteScheduleEntriesForStudent(_ context.Context, id tutoring.StudentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if e.StudentID == id {
			delete(r.entries, k)
		}
	}
	return nil
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func (r *Repository) ListCancellations(_ context.Context) ([]tutoring.Cancellation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]tutoring.Cancellation(nil), r.cancellations...), nil
}

func (r *Repository) AppendCancellation(_ context.Context, c tutoring.Cancellation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancellations = append(r.cancellations, c)
	return nil
}

func (r *Repository) ListExtras(_ context.Context) ([]tutoring.Extra, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.extras)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repository) GetExtra(_ context.Context, id string) (tutoring.Extra, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.extras[id]
	if !ok {
		return tutoring.Extra{}, fmt.Errorf("%w: %s", generic.ErrExtraNotFound, id)
	}
	return x, nil
}

func (r *Repository) UpsertExtra(_ context.Context, x tutoring.Extra) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.extras {
		if other.ID != x.ID && other.StudentID == x.StudentID && other.Date == x.Date && other.Time == x.Time {
			return fmt.Errorf("%w: %s %s %s", generic.ErrDuplicateExtra, x.StudentID, x.Date, x.Time)
		}
	}
	r.extras[x.ID] = x
	return nil
}

func (r *Repository) DeleteExtra(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.extras[id]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrExtraNotFound, id)
	}
	delete(r.extras, id)
	return nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (r *Repository) ListSettlements(_ context.Context) ([]tutoring.Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.settlements)
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].PeriodID < out[j].PeriodID
	})
	return out, nil
}

func (r *Repository) UpsertSettlements(_ context.Context, rows []tutoring.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range rows {
		r.settlements[settlementKey{student: s.StudentID, periodID: s.PeriodID}] = s
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type state struct {
	students      map[tutoring.StudentID]tutoring.Student
	entries       map[string]tutoring.ScheduleEntry
	cancellations []tutoring.Cancellation
	extras        map[string]tutoring.Extra
	settlements   map[settlementKey]tutoring.Settlement
	ledger        store.Snapshot
}

func (r *Repository) snapshot() state {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return state{
		students:      lo.Assign(r.students),
		entries:       lo.Assign(r.entries),
		cancellations: append([]tutoring.Cancellation(nil), r.cancellations...),
		extras:        lo.Assign(r.extras),
		settlements:   lo.Assign(r.settlements),
		ledger:        r.Memory.Snapshot(),
	}
}

func (r *Repository) restore(s state) {
	r.mu.Lock()
	r.students = s.students
	r.entries = s.entries
	r.cancellations = s.cancellations
	r.extras = s.extras
	r.settlements = s.settlements
	r.mu.Unlock()
	r.Memory.Restore(s.ledger)
}

// WithTx runs fn with rollback on error. Nested calls on the repository
// passed to fn join the outer transaction.
func (r *Repository) WithTx(_ context.Context, fn func(tx tutoring.Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	saved := r.snapshot()
	if err := fn(txRepository{r}); err != nil {
		r.restore(saved)
		return err
	}
	return nil
}

type txRepository struct {
	*Repository
}

func (t txRepository) WithTx(_ context.Context, fn func(tx tutoring.Repository) error) error {
	return fn(t)
}
