package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/containerd/errdefs"
)

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// WithRetry runs fn, retrying transient (ErrUnavailable) failures with
// exponential backoff and jitter. Conflicts, version conflicts, and
// precondition failures surface immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil || !errdefs.IsUnavailable(err) {
			return err
		}
		delay := retryBase << attempt
		delay += time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
