package storage

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

const memorySweepInterval = time.Minute

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryBackend is an in-process Backend for single-instance deployments.
// Expired entries are dropped on access and by a background sweep.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nowFn   func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBackend constructs a MemoryBackend and starts its sweep loop.
func NewMemoryBackend(nowFn func() time.Time) *MemoryBackend {
	if nowFn == nil {
		nowFn = time.Now
	}
	b := &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		nowFn:   nowFn,
		done:    make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Name identifies the backend for health reporting.
func (b *MemoryBackend) Name() string { return "memory" }

// Close stops the background sweep. Safe to call more than once.
func (b *MemoryBackend) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *MemoryBackend) sweepLoop() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *MemoryBackend) sweep() {
	now := b.nowFn()
	b.mu.Lock()
	for key, entry := range b.entries {
		if entry.expired(now) {
			delete(b.entries, key)
		}
	}
	b.mu.Unlock()
}

// lookup returns the live entry for key, dropping it when expired.
// Callers must hold b.mu.
func (b *MemoryBackend) lookup(key string, now time.Time) *memoryEntry {
	entry := b.entries[key]
	if entry == nil {
		return nil
	}
	if entry.expired(now) {
		delete(b.entries, key)
		return nil
	}
	return entry
}

// IncrementWithExpiry increments the integer value at key atomically.
func (b *MemoryBackend) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := b.nowFn()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.incrementLocked(key, ttl, now)
}

func (b *MemoryBackend) incrementLocked(key string, ttl time.Duration, now time.Time) (int64, error) {
	entry := b.lookup(key, now)
	if entry == nil {
		entry = &memoryEntry{}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
		b.entries[key] = entry
	}
	count, errParse := strconv.ParseInt(entry.value, 10, 64)
	if entry.value != "" && errParse != nil {
		return 0, errParse
	}
	count++
	entry.value = strconv.FormatInt(count, 10)
	return count, nil
}

// Get returns the value at key and whether it exists.
func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	now := b.nowFn()
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.lookup(key, now)
	if entry == nil {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value at key. A zero TTL means no expiry.
func (b *MemoryBackend) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	now := b.nowFn()
	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	b.mu.Lock()
	b.entries[key] = entry
	b.mu.Unlock()
	return nil
}

// AppendToWindow prunes, counts, and appends under one lock acquisition.
func (b *MemoryBackend) AppendToWindow(_ context.Context, key string, cutoff, ts int64, max int, ttl time.Duration) (WindowResult, error) {
	now := b.nowFn()
	b.mu.Lock()
	defer b.mu.Unlock()

	var kept []int64
	if entry := b.lookup(key, now); entry != nil {
		for _, part := range strings.Split(entry.value, ",") {
			if part == "" {
				continue
			}
			parsed, errParse := strconv.ParseInt(part, 10, 64)
			if errParse != nil {
				continue
			}
			if parsed >= cutoff {
				kept = append(kept, parsed)
			}
		}
	}
	oldest := ts
	if len(kept) > 0 {
		oldest = kept[0]
	}
	if len(kept) >= max {
		return WindowResult{Appended: false, Count: len(kept), Oldest: oldest}, nil
	}

	kept = append(kept, ts)
	parts := make([]string, len(kept))
	for i, entry := range kept {
		parts[i] = strconv.FormatInt(entry, 10)
	}
	next := &memoryEntry{value: strings.Join(parts, ",")}
	if ttl > 0 {
		next.expiresAt = now.Add(ttl)
	}
	b.entries[key] = next
	return WindowResult{Appended: true, Count: len(kept), Oldest: oldest}, nil
}

// DecrementClamped decrements the counter at key, never below zero, and
// drops the key once it reaches zero.
func (b *MemoryBackend) DecrementClamped(_ context.Context, key string) (int64, error) {
	now := b.nowFn()
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.lookup(key, now)
	if entry == nil {
		return 0, nil
	}
	count, errParse := strconv.ParseInt(entry.value, 10, 64)
	if errParse != nil || count <= 1 {
		delete(b.entries, key)
		return 0, nil
	}
	count--
	entry.value = strconv.FormatInt(count, 10)
	return count, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// Pipeline executes ops under a single lock acquisition.
func (b *MemoryBackend) Pipeline(_ context.Context, ops []Op) ([]Result, error) {
	now := b.nowFn()
	results := make([]Result, len(ops))
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			if entry := b.lookup(op.Key, now); entry != nil {
				results[i] = Result{Value: entry.value, Found: true}
			}
		case OpIncrement:
			count, errIncr := b.incrementLocked(op.Key, op.TTL, now)
			results[i] = Result{Count: count, Found: true, Err: errIncr}
		case OpSet:
			entry := &memoryEntry{value: op.Value}
			if op.TTL > 0 {
				entry.expiresAt = now.Add(op.TTL)
			}
			b.entries[op.Key] = entry
			results[i] = Result{Found: true}
		case OpDelete:
			delete(b.entries, op.Key)
			results[i] = Result{}
		}
	}
	return results, nil
}
