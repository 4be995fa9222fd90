// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RetrySuite{})

type RetrySuite struct{}

var errFlaky = errors.New("flaky")

func (s *RetrySuite) retry(sleeps *[]time.Duration) Retry {
	return Retry{
		Attempts:  3,
		Backoff:   100 * time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errFlaky) },
		Sleep: func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
	}
}

func (s *RetrySuite) TestSuccessFirstTime(c *check.C) {
	var sleeps []time.Duration
	calls := 0
	err := s.retry(&sleeps).Do(context.Background(), func(int) error {
		calls++
		return nil
	})
	c.Check(err, check.IsNil)
	c.Check(calls, check.Equals, 1)
	c.Check(sleeps, check.HasLen, 0)
}

func (s *RetrySuite) TestExhausted(c *check.C) {
	var sleeps []time.Duration
	var attempts []int
	err := s.retry(&sleeps).Do(context.Background(), func(attempt int) error {
		attempts = append(attempts, attempt)
		return errFlaky
	})
	c.Check(errors.Is(err, errFlaky), check.Equals, true)
	c.Check(err, check.ErrorMatches, `giving up after 3 attempts: flaky`)
	c.Check(attempts, check.DeepEquals, []int{1, 2, 3})
	c.Check(sleeps, check.DeepEquals, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond})
}

func (s *RetrySuite) TestRecovers(c *check.C) {
	var sleeps []time.Duration
	calls := 0
	err := s.retry(&sleeps).Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	c.Check(err, check.IsNil)
	c.Check(calls, check.Equals, 3)
}

func (s *RetrySuite) TestNotRetryable(c *check.C) {
	var sleeps []time.Duration
	calls := 0
	fatal := errors.New("fatal")
	err := s.retry(&sleeps).Do(context.Background(), func(int) error {
		calls++
		return fatal
	})
	c.Check(err, check.Equals, fatal)
	c.Check(calls, check.Equals, 1)
}

func (s *RetrySuite) TestCancelDuringBackoff(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry{
		Attempts:  3,
		Backoff:   time.Hour,
		Retryable: func(error) bool { return true },
	}.Do(ctx, func(int) error {
		calls++
		return errFlaky
	})
	c.Check(errors.Is(err, context.Canceled), check.Equals, true)
	c.Check(calls, check.Equals, 1)
}
