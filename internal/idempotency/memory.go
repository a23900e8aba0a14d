package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryBackend keeps records in process memory. Expired entries are invisible
// to Get and are reclaimed by Purge.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || !b.now().Before(e.expiresAt) {
		return nil, nil
	}
	rec := e.record
	return &rec, nil
}

// PutIfAbsent implements Backend.
func (b *MemoryBackend) PutIfAbsent(_ context.Context, key string, rec Record, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if e, ok := b.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	b.entries[key] = memoryEntry{record: rec, expiresAt: now.Add(ttl)}
	return true, nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// Purge removes expired records and returns how many were removed.
func (b *MemoryBackend) Purge(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for k, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, including expired ones not yet purged.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
