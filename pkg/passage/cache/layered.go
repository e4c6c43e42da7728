package cache

import (
	"context"
	"time"
)

// Layered combines an in-process L1 with a remote L2.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit.
// Set and Delete operate on both levels.
type Layered struct {
	l1       Cache
	l2       Cache
	l1Expire time.Duration
}

// Compile-time interface check.
var _ Cache = (*Layered)(nil)

// NewLayered creates a two-level cache. l1Expire caps how long entries live
// in L1, both for backfills and for direct writes.
func NewLayered(l1, l2 Cache, l1Expire time.Duration) *Layered {
	return &Layered{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2.
func (c *Layered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, val, c.l1Expire); err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set writes L2 first so L1 never holds a value L2 rejected.
func (c *Layered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.l1.Set(ctx, key, value, c.l1TTL(ttl))
}

// Delete removes from both levels.
func (c *Layered) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}

func (c *Layered) l1TTL(ttl time.Duration) time.Duration {
	if c.l1Expire > 0 && (ttl == 0 || c.l1Expire < ttl) {
		return c.l1Expire
	}
	return ttl
}
