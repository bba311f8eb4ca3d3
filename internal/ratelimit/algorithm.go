package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kidsafe-ai/guardian/internal/storage"
)

// decision is the raw outcome of one algorithm run against storage.
type decision struct {
	allowed    bool
	remaining  int
	reset      time.Time
	retryAfter time.Duration
}

// runAlgorithm dispatches to the algorithm named by the resolved config.
func runAlgorithm(ctx context.Context, backend storage.Backend, key string, cfg Config, now time.Time) (decision, error) {
	switch cfg.Algorithm {
	case SlidingWindow:
		return allowSlidingWindow(ctx, backend, key, cfg, now)
	case TokenBucket:
		return allowTokenBucket(ctx, backend, key, cfg, now)
	default:
		return allowFixedWindow(ctx, backend, key, cfg, now)
	}
}

// allowSlidingWindow keeps a timestamp log per key and admits a request when
// fewer than MaxRequests entries fall inside the trailing window. The
// prune-count-append runs atomically in the backend so concurrent checks for
// the same key never admit past the ceiling.
func allowSlidingWindow(ctx context.Context, backend storage.Backend, key string, cfg Config, now time.Time) (decision, error) {
	cutoff := now.Add(-cfg.Window).UnixMilli()
	win, errAppend := backend.AppendToWindow(ctx, key, cutoff, now.UnixMilli(), cfg.MaxRequests, cfg.Window)
	if errAppend != nil {
		return decision{}, errAppend
	}
	reset := time.UnixMilli(win.Oldest).Add(cfg.Window)
	if !win.Appended {
		return decision{
			allowed:    false,
			remaining:  0,
			reset:      reset,
			retryAfter: reset.Sub(now),
		}, nil
	}
	remaining := cfg.MaxRequests - win.Count
	if remaining < 0 {
		remaining = 0
	}
	return decision{allowed: true, remaining: remaining, reset: reset}, nil
}

// allowTokenBucket refills tokens by elapsed time, capped at the burst
// capacity, and admits a request when at least one token remains.
func allowTokenBucket(ctx context.Context, backend storage.Backend, key string, cfg Config, now time.Time) (decision, error) {
	capacity := float64(cfg.BurstCapacity)
	if capacity <= 0 {
		capacity = float64(cfg.MaxRequests)
	}
	rate := cfg.RefillRate
	if rate <= 0 && cfg.Window > 0 {
		rate = float64(cfg.MaxRequests) / cfg.Window.Seconds()
	}

	tokens := capacity
	last := now
	raw, found, errGet := backend.Get(ctx, key)
	if errGet != nil {
		return decision{}, errGet
	}
	if found {
		if parsedTokens, parsedLast, ok := parseBucketState(raw); ok {
			elapsed := now.Sub(parsedLast).Seconds()
			if elapsed < 0 {
				elapsed = 0
			}
			tokens = parsedTokens + elapsed*rate
			if tokens > capacity {
				tokens = capacity
			}
			last = now
		}
	}

	if tokens < 1 {
		var wait time.Duration
		if rate > 0 {
			wait = time.Duration((1 - tokens) / rate * float64(time.Second))
		}
		if errSet := backend.Set(ctx, key, formatBucketState(tokens, last), cfg.Window); errSet != nil {
			return decision{}, errSet
		}
		return decision{
			allowed:    false,
			remaining:  0,
			reset:      now.Add(wait),
			retryAfter: wait,
		}, nil
	}
	tokens--
	if errSet := backend.Set(ctx, key, formatBucketState(tokens, last), cfg.Window); errSet != nil {
		return decision{}, errSet
	}
	return decision{
		allowed:   true,
		remaining: int(tokens),
		reset:     now.Add(cfg.Window),
	}, nil
}

// allowFixedWindow counts requests against a key scoped to the current
// window start, with a TTL equal to the window.
func allowFixedWindow(ctx context.Context, backend storage.Backend, key string, cfg Config, now time.Time) (decision, error) {
	windowStart := now.Truncate(cfg.Window)
	reset := windowStart.Add(cfg.Window)
	windowKey := fmt.Sprintf("%s:%d", key, windowStart.Unix())
	count, errIncr := backend.IncrementWithExpiry(ctx, windowKey, cfg.Window)
	if errIncr != nil {
		return decision{}, errIncr
	}
	if count > int64(cfg.MaxRequests) {
		return decision{
			allowed:    false,
			remaining:  0,
			reset:      reset,
			retryAfter: reset.Sub(now),
		}, nil
	}
	remaining := cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return decision{allowed: true, remaining: remaining, reset: reset}, nil
}

func parseBucketState(raw string) (float64, time.Time, bool) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	tokens, errTokens := strconv.ParseFloat(parts[0], 64)
	if errTokens != nil {
		return 0, time.Time{}, false
	}
	lastMilli, errLast := strconv.ParseInt(parts[1], 10, 64)
	if errLast != nil {
		return 0, time.Time{}, false
	}
	return tokens, time.UnixMilli(lastMilli), true
}

func formatBucketState(tokens float64, last time.Time) string {
	return strconv.FormatFloat(tokens, 'f', 6, 64) + "|" + strconv.FormatInt(last.UnixMilli(), 10)
}
