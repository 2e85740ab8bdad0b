package model

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// #region constants

const (
	maxRetries          = 2 // max 2 retries = 3 total attempts
	defaultRetryBackoff = 200 * time.Millisecond
)

// #endregion

// #region should-retry

// shouldRetry reports whether a failed Predict call is worth another attempt.
// attempts counts the calls made so far, including the one that returned err.
func shouldRetry(ctx context.Context, err error, attempts int) bool {
	if err == nil || attempts > maxRetries || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// wait sleeps for the linear backoff of the given attempt, or until ctx is done.
func wait(ctx context.Context, backoff time.Duration, attempts int) error {
	if backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(backoff * time.Duration(attempts))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// #endregion
