package content

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("content not found")

// Backend stores opaque bytes under a key. Keys are content hashes chosen by
// the caller; backends never overwrite an existing key with different bytes.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}
