// Package lease guards the rollup engine with a single-holder, expiring lease.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrMissingHolder indicates an empty holder identity.
var ErrMissingHolder = errors.New("lease: holder is required")

// Leaser grants a named lease to one holder at a time. Acquire also renews a
// lease the caller already holds.
type Leaser interface {
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, holder string) error
}

// Noop grants every request. It suits single-process deployments that
// enforce the single-instance constraint operationally.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

// Release does nothing.
func (Noop) Release(context.Context, string) error {
	return nil
}
