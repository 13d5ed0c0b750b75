// Package store provides an in-memory generic.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps each (entity, account) stream as a slice sorted by
// EffectiveAt. Every row carries its write sequence so rows of different
// accounts can be interleaved stably.
type Memory struct {
	mu      sync.RWMutex
	streams map[streamKey][]row
	keys    map[string]struct{}
	seq     int
}

type streamKey struct {
	entity  generic.EntityID
	account generic.AccountID
}

type row struct {
	tx  generic.Transaction
	seq int
}

func NewMemory() *Memory {
	return &Memory{
		streams: make(map[streamKey][]row),
		keys:    make(map[string]struct{}),
	}
}

func (m *Memory) Append(ctx context.Context, tx generic.Transaction) error {
	return m.AppendBatch(ctx, []generic.Transaction{tx})
}

// AppendBatch writes every transaction or none of them.
func (m *Memory) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		_, stored := m.keys[tx.IdempotencyKey]
		_, repeated := batch[tx.IdempotencyKey]
		if stored || repeated {
			return generic.ErrDuplicateIdempotencyKey
		}
		batch[tx.IdempotencyKey] = struct{}{}
	}

	for _, tx := range txs {
		m.insertLocked(tx)
	}
	return nil
}

func (m *Memory) insertLocked(tx generic.Transaction) {
	k := streamKey{entity: tx.EntityID, account: tx.AccountID}
	rows := m.streams[k]

	// First row dated after tx; equal dates keep write order.
	i := sort.Search(len(rows), func(i int) bool {
		return rows[i].tx.EffectiveAt.After(tx.EffectiveAt)
	})
	rows = append(rows, row{})
	copy(rows[i+1:], rows[i:])
	rows[i] = row{tx: tx, seq: m.seq}
	m.streams[k] = rows
	m.seq++

	if tx.IdempotencyKey != "" {
		m.keys[tx.IdempotencyKey] = struct{}{}
	}
}

func (m *Memory) Load(_ context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return transactions(m.streams[streamKey{entity: entityID, account: accountID}]), nil
}

func (m *Memory) LoadRange(_ context.Context, entityID generic.EntityID, accountID generic.AccountID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := lo.Filter(m.streams[streamKey{entity: entityID, account: accountID}], func(r row, _ int) bool {
		return from.BeforeOrEqual(r.tx.EffectiveAt) && r.tx.EffectiveAt.BeforeOrEqual(to)
	})
	return transactions(rows), nil
}

func (m *Memory) LoadByEntity(_ context.Context, entityID generic.EntityID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []row
	for k, stream := range m.streams {
		if k.entity == entityID {
			rows = append(rows, stream...)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.tx.EffectiveAt.Equal(b.tx.EffectiveAt) {
			return a.tx.EffectiveAt.Before(b.tx.EffectiveAt)
		}
		return a.seq < b.seq
	})
	return transactions(rows), nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[idempotencyKey]
	return ok, nil
}

// Len returns the number of stored transactions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

func transactions(rows []row) []generic.Transaction {
	return lo.Map(rows, func(r row, _ int) generic.Transaction { return r.tx })
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

// Snapshot is an opaque copy of the store's contents, used by callers that
// roll back a failed unit of work.
type Snapshot struct {
	streams map[streamKey][]row
	keys    map[string]struct{}
	seq     int
}

func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make(map[streamKey][]row, len(m.streams))
	for k, rows := range m.streams {
		streams[k] = append([]row(nil), rows...)
	}
	keys := make(map[string]struct{}, len(m.keys))
	for k := range m.keys {
		keys[k] = struct{}{}
	}
	return Snapshot{streams: streams, keys: keys, seq: m.seq}
}

func (m *Memory) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = s.streams
	m.keys = s.keys
	m.seq = s.seq
}
