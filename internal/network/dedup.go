package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is the default time-to-live for seen message hashes.
	// Envelopes carry second-granularity timestamps, so a minute covers
	// honest rebroadcasts while still catching replays.
	defaultDedupTTL = time.Minute

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup tracks recently seen envelopes so a replayed or rebroadcast
// message is processed once. Duplicates are reported to the caller,
// which charges them to the sender's abuse heuristics.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps payload hash to timestamp (unix nano)
	mu   sync.RWMutex
	ttl  int64 // ttl in nanoseconds
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a deduplication tracker. A zero ttl means the default.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true if the payload is new. If new, its hash is recorded
// for future deduplication.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now().UnixNano()

	// Fast path: check if already seen with read lock
	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false // Duplicate
	}

	// Slow path: add to seen map with write lock
	d.mu.Lock()
	// Double-check after acquiring write lock
	ts, exists = d.seen[hash]
	if exists && now-ts < d.ttl {
		d.mu.Unlock()
		return false // Duplicate
	}

	d.seen[hash] = now
	d.mu.Unlock()

	return true // New message
}

// Close stops the cleanup goroutine and releases resources.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries from the seen map.
func (d *Dedup) cleanup() {
	now := time.Now().UnixNano()
	ttl := d.ttl

	d.mu.Lock()

	for hash, ts := range d.seen {
		if now-ts >= ttl {
			delete(d.seen, hash)
		}
	}

	d.mu.Unlock()
}
