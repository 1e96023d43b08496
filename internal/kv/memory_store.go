package kv

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store with the same conditional-write semantics
// as the Redis implementation. It backs tests and single-process local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]string),
	}
}

// PutIfAbsent writes the record unless the key already exists.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, fields map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = copyFields(fields)
	return true, nil
}

// Get returns the record stored under key, if any.
func (s *MemoryStore) Get(ctx context.Context, key string) (map[string]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return copyFields(fields), true, nil
}

// ConditionalUpdate applies changes only while field still equals expected.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, key string, changes map[string]string, field, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.records[key]
	if !ok || fields[field] != expected {
		return false, nil
	}
	for name, value := range changes {
		fields[name] = value
	}
	return true, nil
}

// ScanAll returns every record whose key starts with prefix.
func (s *MemoryStore) ScanAll(ctx context.Context, prefix string) (map[string]map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]map[string]string)
	for key, fields := range s.records {
		if strings.HasPrefix(key, prefix) {
			records[key] = copyFields(fields)
		}
	}
	return records, nil
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		out[name] = value
	}
	return out
}
