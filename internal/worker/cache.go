package worker

import "sync"

// snapshotCache is a bounded map for immutable snapshots keyed by
// "snapshot_id|payload_hash". Immutability makes cached values safe to share;
// when the cap is hit the whole map is dropped rather than tracking recency.
type snapshotCache[T any] struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]T
}

func newSnapshotCache[T any](maxSize int) *snapshotCache[T] {
	if maxSize < 1 {
		maxSize = 64
	}
	return &snapshotCache[T]{
		maxSize: maxSize,
		entries: make(map[string]T),
	}
}

func (c *snapshotCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *snapshotCache[T]) put(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.entries = make(map[string]T, c.maxSize)
	}
	c.entries[key] = v
}
