package audit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryingLog wraps a Log and retries Append with exponential backoff.
//
// This is the fail-closed posture for infrastructure faults: the pipeline
// holds the case while the write is unconfirmed, and gives up only after
// MaxElapsed, at which point the case stays pending and is never approved.
type RetryingLog struct {
	inner      Log
	maxTries   uint
	maxElapsed time.Duration
}

// NewRetryingLog wraps inner with retry policy. maxTries of 0 means
// unlimited within maxElapsed.
func NewRetryingLog(inner Log, maxTries uint, maxElapsed time.Duration) *RetryingLog {
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &RetryingLog{inner: inner, maxTries: maxTries, maxElapsed: maxElapsed}
}

// Append retries transient failures. Chain errors are permanent: retrying
// a broken chain cannot succeed and must surface immediately.
func (r *RetryingLog) Append(ctx context.Context, e Entry) (*Entry, error) {
	operation := func() (*Entry, error) {
		out, err := r.inner.Append(ctx, e)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(r.maxElapsed),
	}
	if r.maxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(r.maxTries))
	}
	return backoff.Retry(ctx, operation, opts...)
}

// ReadAll delegates to the wrapped log.
func (r *RetryingLog) ReadAll(ctx context.Context, caseID string) ([]Entry, error) {
	return r.inner.ReadAll(ctx, caseID)
}

// VerifyChain delegates to the wrapped log.
func (r *RetryingLog) VerifyChain(ctx context.Context, caseID string) error {
	return r.inner.VerifyChain(ctx, caseID)
}
