// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cytomine/app-engine/lib/runstore"
	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// stateWriter moves runs forward through their lifecycle using
// read/conditional-write cycles against the store.
type stateWriter struct {
	store   runstore.Store
	retry   Retry
	final   map[appengine.TaskRunState]bool
	now     func() time.Time
	metrics *Metrics
}

// advance re-reads the run and applies target if it moves the run
// forward, retrying when the write loses a race. The returned bool
// is true if this call changed the stored state.
//
// When the retries are exhausted the error wraps both ErrContention
// and runstore.ErrConflict.
func (sw *stateWriter) advance(ctx context.Context, logger logrus.FieldLogger, id uuid.UUID, target appengine.TaskRunState) (appengine.Run, bool, error) {
	var result appengine.Run
	var changed bool
	retry := sw.retry
	retry.Retryable = func(err error) bool { return errors.Is(err, runstore.ErrConflict) }
	err := retry.Do(ctx, func(attempt int) error {
		run, err := sw.store.Get(ctx, id)
		if err != nil {
			return err
		}
		result = run
		if sw.final[run.State] {
			return nil
		}
		from := run.State
		if !run.Advance(target, sw.now()) {
			logger.WithField("State", from).Debugf("ignoring transition to %s", target)
			return nil
		}
		updated, err := sw.store.Update(ctx, run)
		if errors.Is(err, runstore.ErrConflict) {
			sw.metrics.Conflicts.Inc()
			logger.WithField("Attempt", attempt).WithError(err).Debug("write conflict")
			return err
		} else if err != nil {
			return err
		}
		result, changed = updated, true
		sw.metrics.Transitions.WithLabelValues(string(updated.State)).Inc()
		logger.WithField("State", updated.State).Infof("run state changed from %s to %s", from, updated.State)
		return nil
	})
	if errors.Is(err, runstore.ErrConflict) {
		sw.metrics.Contention.Inc()
		err = fmt.Errorf("%w: run %s: %w", ErrContention, id, err)
		logger.WithError(err).Errorf("BUG: could not write state %s", target)
	}
	return result, changed, err
}
