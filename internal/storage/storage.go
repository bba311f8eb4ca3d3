package storage

import (
	"context"
	"time"
)

// OpKind identifies a batched storage operation.
type OpKind int

const (
	OpGet OpKind = iota
	OpIncrement
	OpSet
	OpDelete
)

// Op describes a single operation inside a Pipeline call.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
	TTL   time.Duration
}

// Result carries the outcome of one pipelined operation.
type Result struct {
	Value string
	Count int64
	Found bool
	Err   error
}

// WindowResult carries the outcome of an atomic window append. Count includes
// the appended entry when Appended is true; Oldest is the earliest entry kept
// in the window, in unix milliseconds.
type WindowResult struct {
	Appended bool
	Count    int
	Oldest   int64
}

// Backend is the atomic counter and state store the admission core runs on.
// Implementations must apply IncrementWithExpiry atomically per key.
type Backend interface {
	// IncrementWithExpiry increments the integer value at key and returns the
	// new count. The TTL is applied when the key is created.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// AppendToWindow atomically prunes timestamp-log entries older than
	// cutoff from the log at key, appends ts when fewer than max entries
	// remain, and reports the outcome. Timestamps are unix milliseconds.
	// Implementations must run the prune-count-append as one atomic unit so
	// concurrent callers never admit past max.
	AppendToWindow(ctx context.Context, key string, cutoff, ts int64, max int, ttl time.Duration) (WindowResult, error)
	// DecrementClamped decrements the integer at key, clamping at zero and
	// removing the key when it reaches zero. Missing keys return zero.
	DecrementClamped(ctx context.Context, key string) (int64, error)
	// Pipeline executes ops as a single batch and returns one result per op.
	Pipeline(ctx context.Context, ops []Op) ([]Result, error)
	// Name identifies the backend for health reporting.
	Name() string
}
