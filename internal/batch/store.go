package batch

import (
	"context"
	"sync"
)

// Store persists batch headers and per-item results. Writes are
// bookkeeping only; the orchestrator keeps running when they fail.
type Store interface {
	CreateBatch(ctx context.Context, h *Header) error
	UpdateBatch(ctx context.Context, h *Header) error
	// SaveResult inserts or replaces the result for r.Index.
	SaveResult(ctx context.Context, batchID string, r TxResult) error
	GetBatch(ctx context.Context, batchID string) (*Header, []TxResult, error)
}

// MemoryStore keeps batches in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	headers map[string]Header
	results map[string]map[int]TxResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		headers: make(map[string]Header),
		results: make(map[string]map[int]TxResult),
	}
}

func (s *MemoryStore) CreateBatch(_ context.Context, h *Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[h.BatchID] = cloneHeader(h)
	s.results[h.BatchID] = make(map[int]TxResult)
	return nil
}

func (s *MemoryStore) UpdateBatch(_ context.Context, h *Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.headers[h.BatchID]; !ok {
		return ErrBatchNotFound
	}
	s.headers[h.BatchID] = cloneHeader(h)
	return nil
}

func (s *MemoryStore) SaveResult(_ context.Context, batchID string, r TxResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	results, ok := s.results[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	results[r.Index] = r
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*Header, []TxResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headers[batchID]
	if !ok {
		return nil, nil, ErrBatchNotFound
	}
	out := make([]TxResult, 0, len(s.results[batchID]))
	for _, r := range s.results[batchID] {
		out = append(out, r)
	}
	clone := cloneHeader(&h)
	return &clone, out, nil
}

func cloneHeader(h *Header) Header {
	c := *h
	c.Owner.PrivateKeyRef = ""
	c.Items = append([]Item(nil), h.Items...)
	c.Warnings = append([]string(nil), h.Warnings...)
	if h.CompletedAt != nil {
		t := *h.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
