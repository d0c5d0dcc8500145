package metadata

import "context"

// Repository is a small key/value table for store-wide state.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Int(ctx context.Context, key string) (int64, error)
}
