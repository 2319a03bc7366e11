package pkg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig holds configuration for in-memory storage.
type MemoryConfig struct {
	// CleanupInterval determines how often expired entries are removed.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration
}

// MemoryStorage is a thread-safe in-memory map from string keys to byte payloads
// with optional per-entry expiry.
type MemoryStorage struct {
	mu            sync.RWMutex
	data          map[string]*entry
	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStorage creates a new in-memory storage instance.
// If config is nil, default values are used.
func NewMemoryStorage(config *MemoryConfig) *MemoryStorage {
	cleanupInterval := time.Minute
	if config != nil && config.CleanupInterval > 0 {
		cleanupInterval = config.CleanupInterval
	}

	ms := &MemoryStorage{
		data:          make(map[string]*entry),
		cleanupTicker: time.NewTicker(cleanupInterval),
		done:          make(chan struct{}),
	}

	go ms.cleanupExpired()

	return ms
}

// check rejects calls on a canceled context or a closed store.
func (ms *MemoryStorage) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get retrieves the value associated with the given key.
// Returns ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	e, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	if e.expired(time.Now()) {
		ms.mu.Lock()
		// Re-check: the entry may have been replaced while unlocked.
		if cur, ok := ms.data[key]; ok && cur == e {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
		ms.mu.Unlock()

		ms.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	ms.hits.Add(1)

	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, nil
}

// Set stores a value with the given key and TTL.
// If TTL is 0, the value will not expire.
func (ms *MemoryStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := ms.Put(ctx, key, value, ttl)
	return err
}

// Put stores a value like Set and reports whether the key was newly created
// (absent or expired before the call).
func (ms *MemoryStorage) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ms.check(ctx); err != nil {
		return false, err
	}

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	ms.mu.Lock()
	if ms.data == nil {
		ms.mu.Unlock()
		return false, ErrStorageUnavailable
	}
	old, exists := ms.data[key]
	created := !exists || old.expired(now)
	ms.data[key] = &entry{
		value:     valueCopy,
		expiresAt: expiresAt,
	}
	ms.mu.Unlock()

	ms.sets.Add(1)
	return created, nil
}

// Delete removes the key and its associated value from storage.
// Returns ErrKeyNotFound if the key doesn't exist or has already expired.
func (ms *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	e, exists := ms.data[key]
	if exists {
		delete(ms.data, key)
	}
	ms.mu.Unlock()

	if !exists || e.expired(time.Now()) {
		return ErrKeyNotFound
	}

	ms.deletes.Add(1)
	return nil
}

// Close gracefully shuts down the storage and releases resources.
func (ms *MemoryStorage) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.cleanupTicker.Stop()
	close(ms.done)

	ms.mu.Lock()
	ms.data = nil
	ms.mu.Unlock()

	return nil
}

func (ms *MemoryStorage) cleanupExpired() {
	for {
		select {
		case <-ms.cleanupTicker.C:
			ms.removeExpiredEntries()
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStorage) removeExpiredEntries() {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.data {
		if e.expired(now) {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
	}
}

// Stats holds storage counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
}

// GetStats returns current storage statistics.
func (ms *MemoryStorage) GetStats() Stats {
	ms.mu.RLock()
	entries := len(ms.data)
	ms.mu.RUnlock()

	return Stats{
		Entries:   entries,
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Deletes:   ms.deletes.Load(),
		Evictions: ms.evictions.Load(),
	}
}

// Clear removes all entries from storage but keeps it operational.
func (ms *MemoryStorage) Clear() error {
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}

	ms.mu.Lock()
	ms.data = make(map[string]*entry)
	ms.mu.Unlock()

	return nil
}

// GetAll returns all key-value pairs in storage (excluding expired entries).
func (ms *MemoryStorage) GetAll(ctx context.Context) (map[string][]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make(map[string][]byte, len(ms.data))
	now := time.Now()

	for key, e := range ms.data {
		if e.expired(now) {
			continue
		}
		value := make([]byte, len(e.value))
		copy(value, e.value)
		result[key] = value
	}

	return result, nil
}
