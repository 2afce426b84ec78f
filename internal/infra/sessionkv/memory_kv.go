package sessionkv

import (
	"context"
	"sync"
	"time"

	"github.com/yanqian/playgrounded/internal/domain/localsignal"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryKV is an in-memory implementation of the signal backend for tests/dev.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryKV constructs a store backed by process memory.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get implements localsignal.KV.
func (s *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	record, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if s.hasExpired(record.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}
	return record.value, true, nil
}

// Set stores value with optional TTL.
func (s *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := time.Time{}
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = entry{value: value, expiresAt: exp}
	return nil
}

// Delete removes key.
func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len reports how many unexpired keys are held.
func (s *MemoryKV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, record := range s.entries {
		if !s.hasExpired(record.expiresAt) {
			n++
		}
	}
	return n
}

func (s *MemoryKV) hasExpired(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return ts.Before(s.now())
}

var _ localsignal.KV = (*MemoryKV)(nil)
