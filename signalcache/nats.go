// Package signalcache provides the fast control-signal cache backing the
// dispatcher's hot path. The instance store remains the source of truth;
// every implementation here is best-effort.
package signalcache

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSCache stores signals in a JetStream key-value bucket. TTL is enforced
// at bucket granularity, so the bound passed at construction caps every entry.
type NATSCache struct {
	kv nats.KeyValue
}

// NewNATSCache connects the bucket, creating it with the given TTL when absent.
func NewNATSCache(nc *nats.Conn, bucket string, ttl time.Duration) (*NATSCache, error) {
	if bucket == "" {
		return nil, errors.New("signalcache: bucket required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, err
	}

	return &NATSCache{kv: kv}, nil
}

func (c *NATSCache) Get(ctx context.Context, key string) (string, bool, error) {
	entry, err := c.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(entry.Value()), true, nil
}

// Set writes the value. The per-call ttl is accepted for interface parity but
// the bucket TTL chosen at construction governs expiry.
func (c *NATSCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.kv.PutString(key, value)
	return err
}

func (c *NATSCache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}
