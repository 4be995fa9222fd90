// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler compiles task runs into execution units, submits
// them to the orchestration platform, and keeps run states in step
// with the platform's lifecycle events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cytomine/app-engine/lib/runstore"
	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/cytomine/app-engine/sdk/go/ctxlog"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Scheduler submits runs to a Cluster and records that they are
// queued.
type Scheduler struct {
	cluster  Cluster
	compiler *Compiler
	writer   stateWriter
	metrics  *Metrics
}

// New returns a Scheduler. The state retry policy comes from
// cfg.StateUpdateRetry. If metrics is nil, unregistered counters are
// used.
func New(cfg appengine.SchedulerConfig, cluster Cluster, store runstore.Store, metrics *Metrics) (*Scheduler, error) {
	compiler, err := NewCompiler(cfg)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	sc := DefaultSynchronizerConfig()
	if cfg.StateUpdateRetry.Attempts > 0 {
		sc.Retry.Attempts = cfg.StateUpdateRetry.Attempts
		sc.Retry.Backoff = cfg.StateUpdateRetry.Backoff.Duration()
	}
	return &Scheduler{
		cluster:  cluster,
		compiler: compiler,
		writer: stateWriter{
			store:   store,
			retry:   sc.Retry,
			final:   sc.Final,
			now:     time.Now,
			metrics: metrics,
		},
		metrics: metrics,
	}, nil
}

// Schedule compiles and submits the schedule's run, then marks the
// run QUEUED. The returned schedule carries the stored run.
//
// Errors from compilation wrap ErrInvalidSchedule. If the platform
// rejects the unit, the error is a *SchedulingError and the stored
// run is not modified.
func (sch *Scheduler) Schedule(ctx context.Context, sched appengine.Schedule) (appengine.Schedule, error) {
	run := sched.Run
	logger := ctxlog.FromContext(ctx).WithField("RunID", run.ID)
	eu, err := sch.compiler.Compile(sched)
	if err != nil {
		sch.metrics.Submissions.WithLabelValues("invalid").Inc()
		return sched, err
	}
	logger = logger.WithField("PodName", eu.Name)
	logger.WithFields(logrus.Fields{
		"CPUs": run.Task.CPUs,
		"RAM":  humanize.IBytes(uint64(eu.Main.Resources.RAM.Value())),
		"GPUs": run.Task.GPUs,
	}).Info("submitting execution unit")

	err = sch.cluster.Submit(ctx, eu)
	if err != nil {
		sch.metrics.Submissions.WithLabelValues("failed").Inc()
		logger.WithError(err).Warn("submission failed")
		var serr *SchedulingError
		if !errors.As(err, &serr) {
			err = &SchedulingError{Op: "submit " + eu.Name, Err: err}
		}
		return sched, err
	}
	sch.metrics.Submissions.WithLabelValues("ok").Inc()

	// The synchronizer may already have seen the unit and
	// written PENDING, in which case QUEUED is not a forward
	// move and the stored run is returned as is.
	stored, _, err := sch.writer.advance(ctx, logger, run.ID, appengine.TaskRunStateQueued)
	if err != nil {
		return sched, fmt.Errorf("execution unit %s was submitted but run state was not updated: %w", eu.Name, err)
	}
	sched.Run = stored
	return sched, nil
}

// Alive returns nil if the platform is reachable, otherwise a
// *SchedulingError.
func (sch *Scheduler) Alive(ctx context.Context) error {
	err := sch.cluster.Probe(ctx)
	if err != nil {
		var serr *SchedulingError
		if errors.As(err, &serr) {
			return err
		}
		return &SchedulingError{Op: "probe", Err: err}
	}
	return nil
}

// Terminate removes the run's execution units from the platform. It
// does not change the run's state.
func (sch *Scheduler) Terminate(ctx context.Context, run appengine.Run) error {
	err := sch.cluster.Terminate(ctx, run.ID)
	if err != nil {
		var serr *SchedulingError
		if errors.As(err, &serr) {
			return err
		}
		return &SchedulingError{Op: "terminate " + run.ID.String(), Err: err}
	}
	ctxlog.FromContext(ctx).WithField("RunID", run.ID).Info("execution units terminated")
	return nil
}
