// Package counterstore provides the shared atomic counting primitives used by
// the rate limiter and attack analyzer. All mutation goes through the store's
// native atomic operations so limits stay global across workers.
package counterstore

import (
	"context"
	"time"
)

// Store exposes the counting primitives the detectors rely on. Every
// operation is atomic with respect to concurrent callers on the same key.
type Store interface {
	// CountInWindow records the current instant against key, drops instants
	// older than window, and returns how many instants remain inside
	// [now-window, now]. Record-then-count runs as one atomic unit.
	CountInWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// IncrWithTTL increments the counter at key and (re)sets its TTL,
	// returning the new count. The counter expires ttl after the last
	// increment.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// PushTrim prepends entry to the list at key and trims the list to at
	// most max entries, evicting the oldest from the tail.
	PushTrim(ctx context.Context, key, entry string, max int64) error

	// RecentEntries returns up to n list entries, most recent first.
	RecentEntries(ctx context.Context, key string, n int64) ([]string, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
