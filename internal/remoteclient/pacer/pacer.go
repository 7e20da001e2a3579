// Package pacer implements a small fixed-schedule retry helper for
// transient HTTP/network failures.
//
// Grounded on the teacher's internal/storage/s3.go, which wraps
// aws-sdk-go's S3 client with a fixed MaxRetries session option; this
// spec's remote has no SDK to configure, so the same fixed-retry-count
// tradeoff is reimplemented directly around an arbitrary func() error.
package pacer

import (
	"context"
	"time"
)

// Pacer retries fn up to MaxRetries times, sleeping Backoff*2^attempt
// between attempts, as long as fn's error is classified transient by
// isTransient. A non-transient error, success, or a canceled context
// all stop retrying immediately.
type Pacer struct {
	MaxRetries int
	Backoff    time.Duration
}

// Default mirrors the teacher's s3Store "very bad connectivity" retry
// budget (internal/storage/s3.go's maxRetries = 16), with a 500ms base
// backoff.
func Default() Pacer {
	return Pacer{MaxRetries: 16, Backoff: 500 * time.Millisecond}
}

// Run calls fn until it succeeds, isTransient(err) is false, MaxRetries
// is exhausted, or ctx is canceled.
func (p Pacer) Run(ctx context.Context, isTransient func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}
		wait := p.Backoff << uint(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
