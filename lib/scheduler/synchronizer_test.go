// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cytomine/app-engine/lib/runstore"
	"github.com/cytomine/app-engine/lib/scheduler"
	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/cytomine/app-engine/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	corev1 "k8s.io/api/core/v1"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SynchronizerSuite{})

type SynchronizerSuite struct {
	ctx     context.Context
	store   *runstore.MemoryStore
	metrics *scheduler.Metrics
	sleeps  []time.Duration
	syn     *scheduler.Synchronizer
}

func (s *SynchronizerSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.store = runstore.NewMemoryStore()
	s.metrics = scheduler.NewMetrics(prometheus.NewRegistry())
	s.sleeps = nil
	var mtx sync.Mutex
	cfg := scheduler.DefaultSynchronizerConfig()
	cfg.Retry.Sleep = func(_ context.Context, d time.Duration) error {
		mtx.Lock()
		defer mtx.Unlock()
		s.sleeps = append(s.sleeps, d)
		return nil
	}
	var err error
	s.syn, err = scheduler.NewSynchronizer(s.store, cfg, s.metrics)
	c.Assert(err, check.IsNil)
}

func (s *SynchronizerSuite) insert(c *check.C, state appengine.TaskRunState) appengine.Run {
	run, err := s.store.Insert(s.ctx, appengine.Run{
		ID:     uuid.New(),
		Secret: uuid.New(),
		State:  state,
		Task: appengine.Task{
			Name:         "threshold",
			ImageName:    "cytomine/threshold:1.0.0",
			InputFolder:  "/inputs",
			OutputFolder: "/outputs",
			CPUs:         1,
			RAM:          "256Mi",
		},
	})
	c.Assert(err, check.IsNil)
	return run
}

func podEvent(typ scheduler.EventType, run appengine.Run, phase corev1.PodPhase) scheduler.Event {
	return scheduler.Event{
		Type:    typ,
		PodName: scheduler.UnitName(run.Task.Name, run.ID),
		Labels:  map[string]string{scheduler.RunIDLabel: run.ID.String()},
		Phase:   phase,
	}
}

func (s *SynchronizerSuite) get(c *check.C, id uuid.UUID) appengine.Run {
	run, err := s.store.Get(s.ctx, id)
	c.Assert(err, check.IsNil)
	return run
}

func (s *SynchronizerSuite) handle(c *check.C, ev scheduler.Event) {
	c.Check(s.syn.HandleEvent(s.ctx, ev), check.IsNil)
}

func (s *SynchronizerSuite) TestProgression(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateQueued)

	s.handle(c, podEvent(scheduler.EventCreate, run, corev1.PodPending))
	got := s.get(c, run.ID)
	c.Check(got.State, check.Equals, appengine.TaskRunStatePending)
	c.Check(got.Version, check.Equals, int64(1))

	s.handle(c, podEvent(scheduler.EventUpdate, run, corev1.PodPending))
	c.Check(s.get(c, run.ID).Version, check.Equals, int64(1))

	s.handle(c, podEvent(scheduler.EventUpdate, run, corev1.PodRunning))
	got = s.get(c, run.ID)
	c.Check(got.State, check.Equals, appengine.TaskRunStateRunning)
	c.Check(got.Version, check.Equals, int64(2))

	// Succeeded does not finish the run.
	s.handle(c, podEvent(scheduler.EventUpdate, run, corev1.PodSucceeded))
	got = s.get(c, run.ID)
	c.Check(got.State, check.Equals, appengine.TaskRunStateRunning)
	c.Check(got.Version, check.Equals, int64(2))

	got, err := s.syn.SetState(s.ctx, run.ID, appengine.TaskRunStateFinished)
	c.Check(err, check.IsNil)
	c.Check(got.State, check.Equals, appengine.TaskRunStateFinished)
	c.Check(got.Version, check.Equals, int64(3))

	c.Check(testutil.ToFloat64(s.metrics.Transitions.WithLabelValues("RUNNING")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(s.metrics.DroppedEvents.WithLabelValues("no-op")), check.Equals, 2.0)
}

func (s *SynchronizerSuite) TestTerminalIsSticky(c *check.C) {
	for _, final := range []appengine.TaskRunState{appengine.TaskRunStateFailed, appengine.TaskRunStateFinished} {
		run := s.insert(c, final)
		for _, ev := range []scheduler.Event{
			podEvent(scheduler.EventCreate, run, corev1.PodPending),
			podEvent(scheduler.EventUpdate, run, corev1.PodRunning),
			podEvent(scheduler.EventUpdate, run, corev1.PodFailed),
			podEvent(scheduler.EventUpdate, run, corev1.PodSucceeded),
		} {
			s.handle(c, ev)
		}
		got := s.get(c, run.ID)
		c.Check(got.State, check.Equals, final)
		c.Check(got.Version, check.Equals, int64(0))
	}
	c.Check(s.store.Updates(), check.Equals, 0)
	// After the first event for each run, the rest are dropped
	// without reading the store.
	c.Check(testutil.ToFloat64(s.metrics.DroppedEvents.WithLabelValues("terminal")), check.Equals, 6.0)
}

func (s *SynchronizerSuite) TestOutOfOrder(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateQueued)
	s.handle(c, podEvent(scheduler.EventUpdate, run, corev1.PodRunning))
	s.handle(c, podEvent(scheduler.EventCreate, run, corev1.PodPending))
	s.handle(c, podEvent(scheduler.EventUpdate, run, corev1.PodPending))
	got := s.get(c, run.ID)
	c.Check(got.State, check.Equals, appengine.TaskRunStateRunning)
	c.Check(got.Version, check.Equals, int64(1))
}

func (s *SynchronizerSuite) TestFailurePhases(c *check.C) {
	for _, phase := range []corev1.PodPhase{corev1.PodFailed, corev1.PodUnknown, corev1.PodPhase("Exploded")} {
		run := s.insert(c, appengine.TaskRunStateRunning)
		s.handle(c, podEvent(scheduler.EventUpdate, run, phase))
		c.Check(s.get(c, run.ID).State, check.Equals, appengine.TaskRunStateFailed, check.Commentf("%s", phase))
	}
}

func (s *SynchronizerSuite) TestDelete(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateRunning)
	s.handle(c, podEvent(scheduler.EventDelete, run, corev1.PodSucceeded))
	got := s.get(c, run.ID)
	c.Check(got.State, check.Equals, appengine.TaskRunStateRunning)
	c.Check(got.Version, check.Equals, int64(0))
}

func (s *SynchronizerSuite) TestUnresolvable(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateQueued)
	noLabel := podEvent(scheduler.EventCreate, run, corev1.PodPending)
	noLabel.Labels = nil
	badLabel := podEvent(scheduler.EventCreate, run, corev1.PodPending)
	badLabel.Labels = map[string]string{scheduler.RunIDLabel: "not-a-uuid"}
	unknown := podEvent(scheduler.EventCreate, appengine.Run{ID: uuid.New()}, corev1.PodPending)
	for _, ev := range []scheduler.Event{noLabel, badLabel, unknown} {
		s.handle(c, ev)
	}
	c.Check(s.get(c, run.ID).State, check.Equals, appengine.TaskRunStateQueued)
	c.Check(testutil.ToFloat64(s.metrics.DroppedEvents.WithLabelValues("unresolvable")), check.Equals, 3.0)
}

func (s *SynchronizerSuite) TestRetryBound(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateQueued)
	s.store.InjectConflicts(4)
	err := s.syn.HandleEvent(s.ctx, podEvent(scheduler.EventCreate, run, corev1.PodPending))
	c.Check(errors.Is(err, scheduler.ErrContention), check.Equals, true)
	c.Check(errors.Is(err, runstore.ErrConflict), check.Equals, true)
	c.Check(s.store.Updates(), check.Equals, 3)
	c.Check(s.sleeps, check.DeepEquals, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond})
	c.Check(s.get(c, run.ID).State, check.Equals, appengine.TaskRunStateQueued)
	c.Check(testutil.ToFloat64(s.metrics.Conflicts), check.Equals, 3.0)
	c.Check(testutil.ToFloat64(s.metrics.Contention), check.Equals, 1.0)
}

func (s *SynchronizerSuite) TestRetryRecovers(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateQueued)
	s.store.InjectConflicts(2)
	s.handle(c, podEvent(scheduler.EventCreate, run, corev1.PodPending))
	c.Check(s.store.Updates(), check.Equals, 3)
	c.Check(s.get(c, run.ID).State, check.Equals, appengine.TaskRunStatePending)
}

// Duplicate and interleaved deliveries for one run are resolved by
// the version counter alone.
func (s *SynchronizerSuite) TestConcurrentEvents(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateQueued)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		ev := podEvent(scheduler.EventUpdate, run, corev1.PodRunning)
		if i%2 == 0 {
			ev = podEvent(scheduler.EventCreate, run, corev1.PodPending)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.syn.HandleEvent(s.ctx, ev)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		c.Check(err, check.IsNil)
	}
	got := s.get(c, run.ID)
	c.Check(got.State, check.Equals, appengine.TaskRunStateRunning)
	c.Check(got.Version <= 2, check.Equals, true)
}

func (s *SynchronizerSuite) TestSetState(c *check.C) {
	run := s.insert(c, appengine.TaskRunStateRunning)
	_, err := s.syn.SetState(s.ctx, run.ID, appengine.TaskRunState("DONE"))
	c.Check(errors.Is(err, scheduler.ErrIllegalTransition), check.Equals, true)

	_, err = s.syn.SetState(s.ctx, run.ID, appengine.TaskRunStatePending)
	c.Check(errors.Is(err, scheduler.ErrIllegalTransition), check.Equals, true)

	got, err := s.syn.SetState(s.ctx, run.ID, appengine.TaskRunStateFailed)
	c.Check(err, check.IsNil)
	c.Check(got.State, check.Equals, appengine.TaskRunStateFailed)

	// Repeating the final state is harmless.
	got, err = s.syn.SetState(s.ctx, run.ID, appengine.TaskRunStateFailed)
	c.Check(err, check.IsNil)
	c.Check(got.Version, check.Equals, int64(1))

	_, err = s.syn.SetState(s.ctx, run.ID, appengine.TaskRunStateFinished)
	c.Check(err, check.ErrorMatches, `illegal state transition: run .* is FAILED, cannot move to FINISHED`)

	_, err = s.syn.SetState(s.ctx, uuid.New(), appengine.TaskRunStateFinished)
	c.Check(errors.Is(err, runstore.ErrNotFound), check.Equals, true)
}
