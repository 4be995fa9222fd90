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
	"github.com/cytomine/app-engine/sdk/go/ctxlog"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
)

// SynchronizerConfig is the constant lookup data a Synchronizer
// works from.
type SynchronizerConfig struct {
	// Phases maps a platform phase to the state it implies.
	Phases map[corev1.PodPhase]appengine.TaskRunState
	// UnknownPhase is the state implied by any phase missing
	// from Phases.
	UnknownPhase appengine.TaskRunState
	// Final states are never left.
	Final map[appengine.TaskRunState]bool

	Retry Retry

	// Maximum number of run ids remembered as terminal.
	TerminalCacheSize int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultSynchronizerConfig returns the standard phase table, final
// state set, and retry policy (3 attempts, 100ms apart).
//
// A Succeeded phase maps to RUNNING: the run only becomes FINISHED
// once its outputs have been delivered.
func DefaultSynchronizerConfig() SynchronizerConfig {
	return SynchronizerConfig{
		Phases: map[corev1.PodPhase]appengine.TaskRunState{
			corev1.PodPending:   appengine.TaskRunStatePending,
			corev1.PodRunning:   appengine.TaskRunStateRunning,
			corev1.PodSucceeded: appengine.TaskRunStateRunning,
			corev1.PodFailed:    appengine.TaskRunStateFailed,
			corev1.PodUnknown:   appengine.TaskRunStateFailed,
		},
		UnknownPhase: appengine.TaskRunStateFailed,
		Final: map[appengine.TaskRunState]bool{
			appengine.TaskRunStateFinished: true,
			appengine.TaskRunStateFailed:   true,
		},
		Retry:             Retry{Attempts: 3, Backoff: 100 * time.Millisecond},
		TerminalCacheSize: 4096,
	}
}

// Synchronizer applies platform lifecycle events to run records.
type Synchronizer struct {
	cfg      SynchronizerConfig
	writer   stateWriter
	terminal *lru.Cache
	metrics  *Metrics
}

// NewSynchronizer returns a Synchronizer writing to store. If
// metrics is nil, unregistered counters are used.
func NewSynchronizer(store runstore.Store, cfg SynchronizerConfig, metrics *Metrics) (*Synchronizer, error) {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TerminalCacheSize < 1 {
		cfg.TerminalCacheSize = 1
	}
	cache, err := lru.New(cfg.TerminalCacheSize)
	if err != nil {
		return nil, err
	}
	return &Synchronizer{
		cfg: cfg,
		writer: stateWriter{
			store:   store,
			retry:   cfg.Retry,
			final:   cfg.Final,
			now:     cfg.Now,
			metrics: metrics,
		},
		terminal: cache,
		metrics:  metrics,
	}, nil
}

func (syn *Synchronizer) drop(logger logrus.FieldLogger, reason string, err error) {
	syn.metrics.DroppedEvents.WithLabelValues(reason).Inc()
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Debugf("dropping event (%s)", reason)
}

// HandleEvent applies one lifecycle event. Events that cannot be
// tied to a run, or that would not move the run forward, are
// dropped. The only error returned is one wrapping ErrContention,
// which should stop the subscription.
func (syn *Synchronizer) HandleEvent(ctx context.Context, ev Event) error {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"PodName": ev.PodName,
		"Event":   ev.Type,
		"Phase":   ev.Phase,
	})
	id, err := ev.RunID()
	if err != nil {
		logger.WithError(err).Warn("event does not identify a run")
		syn.drop(logger, "unresolvable", nil)
		return nil
	}
	logger = logger.WithField("RunID", id)
	if syn.terminal.Contains(id) {
		syn.drop(logger, "terminal", nil)
		return nil
	}

	var target appengine.TaskRunState
	switch ev.Type {
	case EventCreate:
		target = appengine.TaskRunStatePending
	case EventUpdate:
		target = syn.phaseState(ev.Phase)
	case EventDelete:
		logger.Info("execution unit deleted")
		return nil
	default:
		syn.drop(logger, "unknown-type", nil)
		return nil
	}

	run, changed, err := syn.writer.advance(ctx, logger, id, target)
	switch {
	case errors.Is(err, ErrContention):
		return err
	case errors.Is(err, runstore.ErrNotFound):
		logger.WithError(err).Warn("event refers to unknown run")
		syn.drop(logger, "unresolvable", nil)
		return nil
	case err != nil:
		logger.WithError(err).Error("error updating run state")
		syn.drop(logger, "store-error", nil)
		return nil
	}
	if syn.cfg.Final[run.State] {
		syn.terminal.Add(id, nil)
	}
	if !changed {
		syn.drop(logger, "no-op", nil)
	}
	return nil
}

func (syn *Synchronizer) phaseState(phase corev1.PodPhase) appengine.TaskRunState {
	if state, ok := syn.cfg.Phases[phase]; ok {
		return state
	}
	return syn.cfg.UnknownPhase
}

// SetState moves a run to the given state through the same
// conditional write path as HandleEvent. Requesting the state the
// run is already in succeeds without writing.
func (syn *Synchronizer) SetState(ctx context.Context, id uuid.UUID, state appengine.TaskRunState) (appengine.Run, error) {
	if !state.Valid() {
		return appengine.Run{}, fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, state)
	}
	logger := ctxlog.FromContext(ctx).WithField("RunID", id)
	run, _, err := syn.writer.advance(ctx, logger, id, state)
	if err != nil {
		return run, err
	}
	if syn.cfg.Final[run.State] {
		syn.terminal.Add(id, nil)
	}
	if run.State != state {
		return run, fmt.Errorf("%w: run %s is %s, cannot move to %s", ErrIllegalTransition, id, run.State, state)
	}
	return run, nil
}
