package cache

import (
	"bytes"
	"context"
	"sync"
)

// InMemoryHashStore implements HashStore with process-local maps
// This is suitable for single-instance deployments and testing
type InMemoryHashStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewInMemoryHashStore creates an empty store
func NewInMemoryHashStore() *InMemoryHashStore {
	return &InMemoryHashStore{tables: make(map[string]map[string][]byte)}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (s *InMemoryHashStore) HGet(_ context.Context, table, field string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tables[table][field]
	return clone(v), ok, nil
}

func (s *InMemoryHashStore) HSet(_ context.Context, table, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string][]byte)
		s.tables[table] = t
	}
	t[field] = clone(value)
	return nil
}

func (s *InMemoryHashStore) HSetNX(_ context.Context, table, field string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string][]byte)
		s.tables[table] = t
	}
	if _, exists := t[field]; exists {
		return false, nil
	}
	t[field] = clone(value)
	return true, nil
}

func (s *InMemoryHashStore) HDel(_ context.Context, table string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	var n int64
	for _, f := range fields {
		if _, ok := t[f]; ok {
			delete(t, f)
			n++
		}
	}
	s.dropIfEmpty(table)
	return n, nil
}

func (s *InMemoryHashStore) HDelIfEquals(_ context.Context, table, field string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	v, ok := t[field]
	if !ok || !bytes.Equal(v, expected) {
		return false, nil
	}
	delete(t, field)
	s.dropIfEmpty(table)
	return true, nil
}

func (s *InMemoryHashStore) HMGet(_ context.Context, table string, fields ...string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(fields))
	for i, f := range fields {
		out[i] = clone(s.tables[table][f])
	}
	return out, nil
}

func (s *InMemoryHashStore) HGetAll(_ context.Context, table string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.tables[table]))
	for k, v := range s.tables[table] {
		out[k] = clone(v)
	}
	return out, nil
}

func (s *InMemoryHashStore) HVals(_ context.Context, table string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.tables[table]))
	for _, v := range s.tables[table] {
		out = append(out, clone(v))
	}
	return out, nil
}

func (s *InMemoryHashStore) HExists(_ context.Context, table, field string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[table][field]
	return ok, nil
}

func (s *InMemoryHashStore) HLen(_ context.Context, table string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tables[table])), nil
}

func (s *InMemoryHashStore) Del(_ context.Context, tables ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tables {
		delete(s.tables, t)
	}
	return nil
}

func (s *InMemoryHashStore) Ping(context.Context) error { return nil }

func (s *InMemoryHashStore) Close() error { return nil }

// dropIfEmpty mirrors Redis, which removes a hash once its last field is gone
// Caller must hold the write lock
func (s *InMemoryHashStore) dropIfEmpty(table string) {
	if t, ok := s.tables[table]; ok && len(t) == 0 {
		delete(s.tables, table)
	}
}

var _ HashStore = (*InMemoryHashStore)(nil)
