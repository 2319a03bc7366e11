package chord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zde37/ringkv/pkg"
)

// Internal keys live in the same map as items; item keys are request paths
// and always start with "/", so the prefix cannot collide.
const keyLookupPrefix = "__chord_lookup__"

// ChordStorage wraps MemoryStorage with the two things a peer keeps locally:
// the key-value items it is responsible for, and a short-lived cache of lookup
// answers (ring key -> responsible peer).
type ChordStorage struct {
	storage  *pkg.MemoryStorage
	cacheTTL time.Duration
}

// NewChordStorage creates a ChordStorage wrapping the provided MemoryStorage.
func NewChordStorage(storage *pkg.MemoryStorage, cacheTTL time.Duration) *ChordStorage {
	return &ChordStorage{
		storage:  storage,
		cacheTTL: cacheTTL,
	}
}

// NewDefaultChordStorage creates a ChordStorage with a fresh MemoryStorage.
func NewDefaultChordStorage(cacheTTL time.Duration) *ChordStorage {
	memStorage := pkg.NewMemoryStorage(&pkg.MemoryConfig{
		CleanupInterval: 1 * time.Minute,
	})
	return NewChordStorage(memStorage, cacheTTL)
}

// GetItem returns the payload stored under path, or pkg.ErrKeyNotFound.
func (cs *ChordStorage) GetItem(ctx context.Context, path string) ([]byte, error) {
	return cs.storage.Get(ctx, path)
}

// PutItem creates or replaces the payload under path and reports whether it was created.
func (cs *ChordStorage) PutItem(ctx context.Context, path string, value []byte) (bool, error) {
	return cs.storage.Put(ctx, path, value, 0)
}

// DeleteItem removes the payload under path; pkg.ErrKeyNotFound if absent.
func (cs *ChordStorage) DeleteItem(ctx context.Context, path string) error {
	return cs.storage.Delete(ctx, path)
}

// CacheResponsible remembers that peer answered a lookup for key. With a zero
// cache TTL the answer is kept until forgotten or overwritten.
func (cs *ChordStorage) CacheResponsible(ctx context.Context, key uint16, peer Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal peer: %w", err)
	}
	return cs.storage.Set(ctx, lookupKey(key), data, cs.cacheTTL)
}

// CachedResponsible returns the cached answer for key, if still fresh.
func (cs *ChordStorage) CachedResponsible(ctx context.Context, key uint16) (*Peer, error) {
	data, err := cs.storage.Get(ctx, lookupKey(key))
	if err != nil {
		if errors.Is(err, pkg.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lookup cache: %w", err)
	}

	var peer Peer
	if err := json.Unmarshal(data, &peer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached peer: %w", err)
	}
	return &peer, nil
}

// ForgetResponsible drops a cached answer.
func (cs *ChordStorage) ForgetResponsible(ctx context.Context, key uint16) {
	_ = cs.storage.Delete(ctx, lookupKey(key))
}

// Stats exposes the underlying storage counters.
func (cs *ChordStorage) Stats() pkg.Stats {
	return cs.storage.GetStats()
}

// Close releases the underlying storage.
func (cs *ChordStorage) Close() error {
	return cs.storage.Close()
}

func lookupKey(key uint16) string {
	return fmt.Sprintf("%s%04x", keyLookupPrefix, key)
}
