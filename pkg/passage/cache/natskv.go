package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSKV is a remote cache backed by a NATS JetStream key-value bucket.
// Expiry is configured on the bucket, not per entry.
type NATSKV struct {
	kv jetstream.KeyValue
}

// Compile-time interface check.
var _ Cache = (*NATSKV)(nil)

// NewNATSKV wraps an existing key-value bucket.
func NewNATSKV(kv jetstream.KeyValue) *NATSKV {
	return &NATSKV{kv: kv}
}

// OpenNATSKV creates or updates bucket with the given TTL and wraps it.
func OpenNATSKV(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSKV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "passage checkpoint cache",
		TTL:         ttl,
	})
	if err != nil {
		return nil, err
	}
	return NewNATSKV(kv), nil
}

// natsKey maps an arbitrary key onto the bucket's key alphabet.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Get retrieves a value from the bucket.
func (n *NATSKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, natsKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value. TTL is managed at bucket level.
func (n *NATSKV) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := n.kv.Put(ctx, natsKey(key), value)
	return err
}

// Delete removes a value from the bucket.
func (n *NATSKV) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, natsKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
