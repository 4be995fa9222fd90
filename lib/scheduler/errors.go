// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrContention means a state write kept losing optimistic
	// concurrency races until the retry budget ran out. Given
	// the write volume per run this indicates a bug.
	ErrContention = errors.New("state update contention")

	// ErrInvalidSchedule means the schedule (or the task it
	// refers to) cannot be compiled into an execution unit. It
	// is returned before anything is submitted.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrIllegalTransition means an explicitly requested state
	// is not reachable from the run's current state.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// SchedulingError means the orchestration platform rejected or
// failed a request. Submissions that fail this way leave the run's
// state untouched.
type SchedulingError struct {
	Op  string
	Err error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling: %s: %s", e.Op, e.Err)
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}
