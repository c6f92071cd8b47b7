// Package cache implements the bounded per-key ring of recent candles
// that backs latency-critical reads. The Aggregator is the sole writer
// per key; everything else only reads.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
)

// Cache is a concurrency-safe collection of per-key bounded rings.
type Cache struct {
	maxPerKey int

	mu      sync.RWMutex
	buckets map[candle.Key]*bucket
}

type bucket struct {
	mu   sync.RWMutex
	ring []candle.Candle // ordered oldest..newest by openTime
}

// New creates a Cache that retains at most maxPerKey candles per key.
func New(maxPerKey int) *Cache {
	if maxPerKey <= 0 {
		maxPerKey = 1
	}
	return &Cache{
		maxPerKey: maxPerKey,
		buckets:   make(map[candle.Key]*bucket),
	}
}

func (c *Cache) bucketFor(key candle.Key) *bucket {
	c.mu.RLock()
	b, ok := c.buckets[key]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.buckets[key]; ok {
		return b
	}
	b = &bucket{ring: make([]candle.Candle, 0, c.maxPerKey)}
	c.buckets[key] = b
	return b
}

// Upsert inserts or updates c within its key's ring. If c.OpenTime
// matches the existing tail, the tail is replaced in place (this is how
// an in-progress candle's repeated updates and its final closed frame
// are merged). Otherwise c is appended as the new tail, provided its
// openTime is not older than the current tail's (out-of-order inserts
// are rejected rather than silently reordering the ring).
func (c *Cache) Upsert(key candle.Key, cnd candle.Candle) error {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.ring)
	if n > 0 {
		tail := b.ring[n-1]
		if cnd.OpenTime.Equal(tail.OpenTime) {
			b.ring[n-1] = cnd
			return nil
		}
		if cnd.OpenTime.Before(tail.OpenTime) {
			return errOutOfOrder(key, cnd, tail)
		}
	}

	b.ring = append(b.ring, cnd)
	if len(b.ring) > c.maxPerKey {
		b.ring = b.ring[len(b.ring)-c.maxPerKey:]
	}
	return nil
}

// Tail returns the most recent candle for key, which may be an
// in-progress (unclosed) candle.
func (c *Cache) Tail(key candle.Key) (candle.Candle, bool) {
	b := c.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return candle.Candle{}, false
	}
	return b.ring[len(b.ring)-1], true
}

// Slice returns up to n candles ending at the tail, oldest-first. Used
// by anomaly analysis, which needs "up to the prior 10 closed candles".
func (c *Cache) Slice(key candle.Key, n int) []candle.Candle {
	b := c.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.ring) {
		n = len(b.ring)
	}
	out := make([]candle.Candle, n)
	copy(out, b.ring[len(b.ring)-n:])
	return out
}

// Load seeds the ring for key from a durable-store read, used by
// onStartup's hydration step. Candles must already be ordered
// oldest-first; Load overwrites any existing ring for key.
func (c *Cache) Load(key candle.Key, candles []candle.Candle) {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(candles) > c.maxPerKey {
		candles = candles[len(candles)-c.maxPerKey:]
	}
	b.ring = append(b.ring[:0], candles...)
}

// Len reports how many candles are currently cached for key.
func (c *Cache) Len(key candle.Key) int {
	b := c.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ring)
}

// Keys returns a snapshot of every key currently tracked, for
// health/memory reporting.
func (c *Cache) Keys() []candle.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]candle.Key, 0, len(c.buckets))
	for k := range c.buckets {
		keys = append(keys, k)
	}
	return keys
}

func errOutOfOrder(key candle.Key, got, tail candle.Candle) error {
	return &OutOfOrderError{Key: key, Got: got.OpenTime, Tail: tail.OpenTime}
}

// OutOfOrderError is returned by Upsert when a candle older than the
// current tail is submitted. The Aggregator logs and drops these.
type OutOfOrderError struct {
	Key  candle.Key
	Got  time.Time
	Tail time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("cache: out-of-order upsert for %s: got openTime %s, tail is %s", e.Key, e.Got, e.Tail)
}
