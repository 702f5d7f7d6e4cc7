// Package blob abstracts the staged object store. Keys are S3-style paths
// whose first segment is the stage prefix; writing an object emits an
// object-created event that drives the next pipeline worker.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Info describes a stored object.
type Info struct {
	Key  string
	Size int64
}

// Store is the object-store surface the pipeline workers use. Workers advance
// a file between stages by copying it to the next stage's key and deleting
// the source key; some stage outputs (Stage 4 enriched files, the Stage 8 and
// Stage 99 copies) are rewritten in place.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Info, error)
	Stat(ctx context.Context, key string) (Info, error)
}
