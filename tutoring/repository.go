/*
repository.go - Persistence and coordination contracts

PURPOSE:
  Repository is everything the Service needs from storage: the record
  collections plus the append-only makeup ledger (generic.Store). Locker
  serializes commands per student across goroutines, or across processes
  when backed by Redis.

SERIALIZATION CONTRACT:
  Every command runs as
    Locker.Lock("student:<id>") -> Repository.WithTx -> read, modify, write
  so two concurrent cancellations for the same student can never lose a
  counter update. Exception writes for a student happen under the same
  lock, which also covers the (student, date, time) key.

IMPLEMENTATIONS:
  - store/memory:   maps + snapshot rollback
  - store/sqlite:   database/sql + go-sqlite3
  - store/postgres: pgx pool + goose migrations
  - store/redislock: Redis Locker
*/
package tutoring

import (
	"context"
	"sync"

	"github.com/warp/lesson-engine/generic"
)

// Repository stores the records the engine reads and the commands write.
type Repository interface {
	generic.Store

	ListStudents(ctx context.Context) ([]Student, error)
	// GetStudent returns generic.ErrStudentNotFound when id is unknown.
	GetStudent(ctx context.Context, id StudentID) (Student, error)
	UpsertStudent(ctx context.Context, st Student) error
	// DeleteStudent removes the student only; its records become orphans.
	DeleteStudent(ctx context.Context, id StudentID) error

	ListScheduleEntries(ctx context.Context) ([]ScheduleEntry, error)
	UpsertScheduleEntry(ctx context.Context, e ScheduleEntry) error
	DeleteScheduleEntriesForStudent(ctx context.Context, id StudentID) error

	ListCancellations(ctx context.Context) ([]Cancellation, error)
	// AppendCancellation is the only cancellation write; there is no update.
	AppendCancellation(ctx context.Context, c Cancellation) error

	ListExtras(ctx context.Context) ([]Extra, error)
	// GetExtra returns generic.ErrExtraNotFound when id is unknown.
	GetExtra(ctx context.Context, id string) (Extra, error)
	// UpsertExtra returns generic.ErrDuplicateExtra when another extra
	// occupies the same (student, date, time).
	UpsertExtra(ctx context.Context, x Extra) error
	DeleteExtra(ctx context.Context, id string) error

	ListSettlements(ctx context.Context) ([]Settlement, error)
	UpsertSettlements(ctx context.Context, s []Settlement) error

	// WithTx runs fn atomically. fn must only use the Repository it is given.
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}

// LoadSnapshot reads every collection into a Snapshot.
func LoadSnapshot(ctx context.Context, repo Repository) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Students, err = repo.ListStudents(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Entries, err = repo.ListScheduleEntries(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Cancellations, err = repo.ListCancellations(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Extras, err = repo.ListExtras(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Settlements, err = repo.ListSettlements(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker grants exclusive access to a key until unlock is called.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// StudentLockKey is the lock key guarding one student's records.
func StudentLockKey(id StudentID) string { return "student:" + string(id) }

// KeyedMutex is an in-process Locker with one mutex per key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, generic.ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
