package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-instance runs
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}, now: time.Now}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

// Start implements Store
func (s *MemoryStore) Start(_ context.Context, key, handlerName, fingerprint string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok {
		expired := e.ExpiresAt != nil && e.ExpiresAt.Before(now)
		if e.Status != StatusRecoverable && !expired {
			return ErrDuplicateMessage
		}
	}
	s.entries[key] = &Entry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expiresAt,
	}
	return nil
}

// Complete implements Store
func (s *MemoryStore) Complete(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.Result = append(json.RawMessage(nil), result...)
	e.UpdatedAt = s.now()
	return nil
}

// Cleanup implements Store
func (s *MemoryStore) Cleanup(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
