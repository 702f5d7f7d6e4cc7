package kvtab

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamTable is a Table backed by a JetStream key-value bucket.
type JetStreamTable struct {
	bucket string
	kv     jetstream.KeyValue
}

// NewJetStream opens (or creates) the KV bucket.
func NewJetStream(ctx context.Context, js jetstream.JetStream, bucket string) (*JetStreamTable, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("kvtab: open bucket %s: %w", bucket, err)
		}
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
		if err != nil {
			return nil, fmt.Errorf("kvtab: create bucket %s: %w", bucket, err)
		}
	}
	return &JetStreamTable{bucket: bucket, kv: kv}, nil
}

func (t *JetStreamTable) Get(ctx context.Context, key string) (Entry, error) {
	e, err := t.kv.Get(ctx, SafeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Entry{}, fmt.Errorf("kvtab: %s/%s: %w", t.bucket, key, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("kvtab: get %s/%s: %w", t.bucket, key, err)
	}
	return Entry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

func (t *JetStreamTable) Put(ctx context.Context, key string, value []byte) error {
	if _, err := t.kv.Put(ctx, SafeKey(key), value); err != nil {
		return fmt.Errorf("kvtab: put %s/%s: %w", t.bucket, key, err)
	}
	return nil
}

func (t *JetStreamTable) Create(ctx context.Context, key string, value []byte) error {
	if _, err := t.kv.Create(ctx, SafeKey(key), value); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("kvtab: %s/%s: %w", t.bucket, key, ErrExists)
		}
		return fmt.Errorf("kvtab: create %s/%s: %w", t.bucket, key, err)
	}
	return nil
}

func (t *JetStreamTable) Update(ctx context.Context, key string, value []byte, revision uint64) error {
	if _, err := t.kv.Update(ctx, SafeKey(key), value, revision); err != nil {
		return fmt.Errorf("kvtab: %s/%s: %w", t.bucket, key, ErrConflict)
	}
	return nil
}

func (t *JetStreamTable) Delete(ctx context.Context, key string) error {
	if err := t.kv.Delete(ctx, SafeKey(key)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("kvtab: %s/%s: %w", t.bucket, key, ErrNotFound)
		}
		return fmt.Errorf("kvtab: delete %s/%s: %w", t.bucket, key, err)
	}
	return nil
}

func (t *JetStreamTable) Keys(ctx context.Context) ([]string, error) {
	keys, err := t.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kvtab: keys %s: %w", t.bucket, err)
	}
	return keys, nil
}
