// Package cache defines the fast tier that sits in front of the durable
// checkpoint store, along with adapters for in-process and remote caches.
//
// Every adapter satisfies Cache. A miss is reported as ok == false with a
// nil error; a non-nil error always means the tier itself failed.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented key-value cache with per-entry expiry.
type Cache interface {
	// Get returns the value for key. ok is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A ttl of zero means no expiry, subject
	// to the adapter's own eviction.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Nop is a Cache that stores nothing. Every Get is a miss.
type Nop struct{}

// Compile-time interface check.
var _ Cache = Nop{}

// Get always misses.
func (Nop) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }

// Set does nothing.
func (Nop) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }

// Delete does nothing.
func (Nop) Delete(_ context.Context, _ string) error { return nil }
