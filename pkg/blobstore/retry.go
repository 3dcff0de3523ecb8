package blobstore

import (
	"context"
	"math/rand"
	"time"
)

const (
	retryBase     = 250 * time.Millisecond
	retryCap      = 8 * time.Second
	retryAttempts = 6
)

// WithRetry runs fn, retrying transient failures with exponential backoff
// and full jitter. Typed store errors (NotFound, AlreadyExists, RevMismatch,
// AuthError) are returned immediately: a CAS conflict is a real outcome, not
// a fault.
func WithRetry(ctx context.Context, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(backoff)))):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
		}
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}
