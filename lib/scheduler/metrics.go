// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters shared by the scheduler and the
// synchronizer.
type Metrics struct {
	Submissions   *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	DroppedEvents *prometheus.CounterVec
	Conflicts     prometheus.Counter
	Contention    prometheus.Counter
}

// NewMetrics creates the scheduler's counters and registers them
// with reg. If reg is nil, the counters work but are not exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appengine",
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Number of execution unit submissions, by result.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appengine",
			Subsystem: "scheduler",
			Name:      "state_transitions_total",
			Help:      "Number of run state transitions written, by new state.",
		}, []string{"state"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appengine",
			Subsystem: "scheduler",
			Name:      "dropped_events_total",
			Help:      "Number of lifecycle events ignored, by reason.",
		}, []string{"reason"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appengine",
			Subsystem: "scheduler",
			Name:      "write_conflicts_total",
			Help:      "Number of state writes rejected because the run changed concurrently.",
		}),
		Contention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appengine",
			Subsystem: "scheduler",
			Name:      "write_contention_total",
			Help:      "Number of state writes abandoned after exhausting retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submissions, m.Transitions, m.DroppedEvents, m.Conflicts, m.Contention)
	}
	return m
}
