package ports

import (
	"context"
	"time"
)

// UnlockFunc releases a lock obtained from a DistributedLocker.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serializes work that must not overlap across replicas:
// progression sweeps and writes to the same player session.
type DistributedLocker interface {
	// Lock blocks until the key is held, ctx is done or the backend fails.
	// The lock expires after ttl even if never released.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
