// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Retry calls a function until it succeeds, returns an error that
// is not Retryable, or has been called Attempts times. It waits
// Backoff between calls.
type Retry struct {
	Attempts  int
	Backoff   time.Duration
	Retryable func(error) bool

	// Sleep waits for the given duration or until ctx is done.
	// Defaults to a timer; tests replace it.
	Sleep func(context.Context, time.Duration) error
}

// Do calls fn with attempt numbers starting at 1. If every attempt
// fails with a retryable error, Do returns the last one, wrapped.
func (r Retry) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if serr := sleep(ctx, r.Backoff); serr != nil {
				return fmt.Errorf("%w (after attempt %d: %v)", serr, attempt-1, err)
			}
		}
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if r.Retryable == nil || !r.Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
