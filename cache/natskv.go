package cache

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/canopyhq/canopy/errors"
)

// KVBackend stores entries in a NATS JetStream key/value bucket, one
// bucket per dataset.
type KVBackend struct {
	conn   *nats.Conn
	bucket nats.KeyValue
}

var _ Backend = (*KVBackend)(nil)

// NewKVBackend binds to the named bucket, creating it if absent. TTL
// handling stays in the store layer so that lazy-expiry semantics are
// identical across backends.
func NewKVBackend(conn *nats.Conn, bucketName string) (*KVBackend, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, errors.WrapFatal(err, "KVBackend", "NewKVBackend", "jetstream context")
	}

	bucket, err := js.KeyValue(bucketName)
	if err == nats.ErrBucketNotFound {
		bucket, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucketName,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "KVBackend", "NewKVBackend", "open bucket")
	}

	return &KVBackend{conn: conn, bucket: bucket}, nil
}

func (b *KVBackend) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.Wrap(errors.ErrBackendUnreachable, "KVBackend", "Ping", "connection check")
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "KVBackend", "Ping", "flush")
	}
	return nil
}

func (b *KVBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, err := b.bucket.Get(key)
	if err == nats.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapTransient(err, "KVBackend", "Get", key)
	}
	return entry.Value(), true, nil
}

func (b *KVBackend) Set(_ context.Context, key string, value []byte) error {
	if _, err := b.bucket.Put(key, value); err != nil {
		return errors.WrapTransient(err, "KVBackend", "Set", key)
	}
	return nil
}

func (b *KVBackend) Delete(_ context.Context, key string) error {
	err := b.bucket.Delete(key)
	if err != nil && err != nats.ErrKeyNotFound {
		return errors.WrapTransient(err, "KVBackend", "Delete", key)
	}
	return nil
}

func (b *KVBackend) Keys(context.Context) ([]string, error) {
	keys, err := b.bucket.Keys()
	if err == nats.ErrNoKeysFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "KVBackend", "Keys", "list")
	}
	return keys, nil
}

func (b *KVBackend) Clear(ctx context.Context) error {
	keys, err := b.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.bucket.Purge(key); err != nil {
			return errors.WrapTransient(err, "KVBackend", "Clear", key)
		}
	}
	return nil
}
