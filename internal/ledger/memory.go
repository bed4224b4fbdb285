package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Writes are buffered per unit of work and applied at commit only if every
// touched row still carries the version the unit of work read.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[AccountKey]Balance
	entries  []Entry
	idem     map[string]IdempotencyRecord
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[AccountKey]Balance),
		idem:     make(map[string]IdempotencyRecord),
		now:      time.Now,
	}
}

type pendingBalance struct {
	balance     Balance
	created     bool
	baseVersion int64
}

type memoryTx struct {
	store    *MemoryStore
	balances map[AccountKey]*pendingBalance
	entries  []Entry
	idem     map[string]IdempotencyRecord
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:    s,
		balances: make(map[AccountKey]*pendingBalance),
		idem:     make(map[string]IdempotencyRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (t *memoryTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, p := range t.balances {
		current, exists := s.balances[key]
		if p.created {
			if exists {
				return ErrConcurrentModification
			}
			continue
		}
		if !exists || current.Version != p.baseVersion {
			return ErrConcurrentModification
		}
	}
	for key := range t.idem {
		if _, exists := s.idem[key]; exists {
			return ErrConcurrentModification
		}
	}

	for key, p := range t.balances {
		s.balances[key] = p.balance
	}
	for key, rec := range t.idem {
		s.idem[key] = rec
	}
	s.entries = append(s.entries, t.entries...)
	return nil
}

func (t *memoryTx) GetBalance(_ context.Context, key AccountKey) (*Balance, bool, error) {
	if p, ok := t.balances[key]; ok {
		b := p.balance
		return &b, true, nil
	}
	t.store.mu.RLock()
	b, ok := t.store.balances[key]
	t.store.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return &b, true, nil
}

func (t *memoryTx) CreateBalance(_ context.Context, b *Balance) error {
	if _, ok := t.balances[b.AccountKey]; ok {
		return ErrConcurrentModification
	}
	t.store.mu.RLock()
	_, exists := t.store.balances[b.AccountKey]
	t.store.mu.RUnlock()
	if exists {
		return ErrConcurrentModification
	}
	b.Version = 0
	t.balances[b.AccountKey] = &pendingBalance{balance: *b, created: true}
	return nil
}

func (t *memoryTx) UpdateBalance(_ context.Context, b *Balance, expectedVersion int64) error {
	if p, ok := t.balances[b.AccountKey]; ok {
		if p.balance.Version != expectedVersion {
			return ErrConcurrentModification
		}
		b.Version = expectedVersion + 1
		b.UpdatedAt = t.store.now()
		p.balance = *b
		return nil
	}

	t.store.mu.RLock()
	current, exists := t.store.balances[b.AccountKey]
	t.store.mu.RUnlock()
	if !exists || current.Version != expectedVersion {
		return ErrConcurrentModification
	}
	b.Version = expectedVersion + 1
	b.UpdatedAt = t.store.now()
	t.balances[b.AccountKey] = &pendingBalance{balance: *b, baseVersion: expectedVersion}
	return nil
}

func (t *memoryTx) InsertEntries(_ context.Context, entries ...Entry) error {
	t.entries = append(t.entries, entries...)
	return nil
}

func (t *memoryTx) GetIdempotency(_ context.Context, key string) (*IdempotencyRecord, bool, error) {
	if rec, ok := t.idem[key]; ok {
		return &rec, true, nil
	}
	t.store.mu.RLock()
	rec, ok := t.store.idem[key]
	t.store.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (t *memoryTx) PutIdempotency(_ context.Context, rec *IdempotencyRecord) error {
	if _, ok := t.idem[rec.Key]; ok {
		return ErrConcurrentModification
	}
	t.store.mu.RLock()
	_, exists := t.store.idem[rec.Key]
	t.store.mu.RUnlock()
	if exists {
		return ErrConcurrentModification
	}
	t.idem[rec.Key] = *rec
	return nil
}

func (s *MemoryStore) ListBalances(_ context.Context, owner string) ([]Balance, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Balance
	for key, b := range s.balances {
		if key.Owner == owner {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, filter EntryFilter) ([]Entry, int, error) {
	filter = filter.normalized()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Entry
	// newest first, matching the SQL stores' ORDER BY created_at DESC
	for i := len(s.entries) - 1; i >= 0; i-- {
		if filter.matches(s.entries[i]) {
			matched = append(matched, s.entries[i])
		}
	}
	total := len(matched)
	if filter.Offset >= total {
		return []Entry{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (f EntryFilter) matches(e Entry) bool {
	switch {
	case f.Owner != "" && e.Account.Owner != f.Owner:
		return false
	case f.Token != "" && e.Account.Token != f.Token:
		return false
	case f.ChainID != 0 && e.Account.ChainID != f.ChainID:
		return false
	case f.Category != "" && e.Category != f.Category:
		return false
	case f.ReferenceType != "" && e.ReferenceType != f.ReferenceType:
		return false
	case f.ReferenceID != "" && e.ReferenceID != f.ReferenceID:
		return false
	case f.TransactionID != "" && e.TransactionID != f.TransactionID:
		return false
	}
	return true
}
