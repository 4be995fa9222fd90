// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
)

// RunIDLabel is the label that ties an execution unit to its run.
const RunIDLabel = "runId"

type EventType string

const (
	EventCreate = EventType("create")
	EventUpdate = EventType("update")
	EventDelete = EventType("delete")
)

// Event is a lifecycle notification for one execution unit.
type Event struct {
	Type    EventType
	PodName string
	Labels  map[string]string
	Phase   corev1.PodPhase
}

// RunID returns the run id carried in the event's labels.
func (ev Event) RunID() (uuid.UUID, error) {
	s, ok := ev.Labels[RunIDLabel]
	if !ok {
		return uuid.Nil, fmt.Errorf("pod %q has no %s label", ev.PodName, RunIDLabel)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("pod %q: %s label %q: %w", ev.PodName, RunIDLabel, s, err)
	}
	return id, nil
}

// An EventHandler processes one event. A non-nil error is fatal to
// the subscription.
type EventHandler func(context.Context, Event) error

// Cluster is the orchestration platform as seen by the scheduler.
type Cluster interface {
	// Submit creates the execution unit. Submitting a second
	// unit for the same run fails because the name is derived
	// from the run id.
	Submit(context.Context, *ExecutionUnitSpec) error

	// Probe performs a cheap read to check that the platform is
	// reachable.
	Probe(context.Context) error

	// Terminate deletes every execution unit belonging to the
	// given run. It is not an error if there are none.
	Terminate(context.Context, uuid.UUID) error

	// Subscribe calls the handler for each lifecycle event of
	// labelled execution units, possibly concurrently, until ctx
	// is done or a handler returns an error. It returns the
	// handler's error, or nil after ctx is done.
	Subscribe(context.Context, EventHandler) error
}
