package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamStore is a Store backed by a JetStream object-store bucket. It is
// the sole owner of all object operations against the bucket, and publishes a
// CreatedEvent after every write.
type JetStreamStore struct {
	bucket string
	os     jetstream.ObjectStore
	notify Notifier
}

// NewJetStream opens (or creates) the bucket. notify may be nil.
func NewJetStream(ctx context.Context, js jetstream.JetStream, bucket string, notify Notifier) (*JetStreamStore, error) {
	os, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("blob: open bucket %s: %w", bucket, err)
		}
		os, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket})
		if err != nil {
			return nil, fmt.Errorf("blob: create bucket %s: %w", bucket, err)
		}
	}
	return &JetStreamStore{bucket: bucket, os: os, notify: notify}, nil
}

func (s *JetStreamStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.os.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("blob: %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	return data, nil
}

func (s *JetStreamStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.os.PutBytes(ctx, key, data); err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	if s.notify != nil {
		s.notify(ctx, CreatedEvent{Bucket: s.bucket, Key: key})
	}
	return nil
}

func (s *JetStreamStore) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, data)
}

func (s *JetStreamStore) Delete(ctx context.Context, key string) error {
	if err := s.os.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return fmt.Errorf("blob: %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

func (s *JetStreamStore) List(ctx context.Context, prefix string) ([]Info, error) {
	objs, err := s.os.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("blob: list %s: %w", prefix, err)
	}
	var out []Info
	for _, o := range objs {
		if o.Deleted || !strings.HasPrefix(o.Name, prefix) {
			continue
		}
		out = append(out, Info{Key: o.Name, Size: int64(o.Size)})
	}
	return out, nil
}

func (s *JetStreamStore) Stat(ctx context.Context, key string) (Info, error) {
	info, err := s.os.GetInfo(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return Info{}, fmt.Errorf("blob: %s: %w", key, ErrNotFound)
		}
		return Info{}, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	return Info{Key: key, Size: int64(info.Size)}, nil
}
