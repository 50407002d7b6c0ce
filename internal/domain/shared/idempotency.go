package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers request keys that have already been handled.
type IdempotencyStore interface {
	// MarkProcessed records key for ttl. It returns false when key was
	// already recorded and has not expired.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsProcessed reports whether key is recorded and unexpired.
	IsProcessed(ctx context.Context, key string) (bool, error)

	Close() error
}
