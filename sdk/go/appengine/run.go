// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package appengine

import (
	"time"

	"github.com/google/uuid"
)

// Run is one execution attempt of a Task.
//
// Version is the optimistic-concurrency counter: a store only
// accepts an update whose Version matches the stored one.
type Run struct {
	ID                    uuid.UUID    `json:"id" db:"id"`
	Task                  Task         `json:"task" db:"task"`
	Secret                uuid.UUID    `json:"-" db:"secret"`
	State                 TaskRunState `json:"state" db:"state"`
	CreatedAt             time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at" db:"updated_at"`
	LastStateTransitionAt time.Time    `json:"last_state_transition_at" db:"last_state_transition_at"`
	Version               int64        `json:"version" db:"version"`
}

// Advance moves the run to state next if that is a forward
// transition, stamping the transition time. It returns false (and
// leaves the run untouched) otherwise.
func (r *Run) Advance(next TaskRunState, now time.Time) bool {
	if !r.State.CanAdvanceTo(next) {
		return false
	}
	r.State = next
	r.LastStateTransitionAt = now
	return true
}

// InputsStorageName returns the name of the host directory holding
// the run's staged inputs.
func InputsStorageName(runID uuid.UUID) string {
	return "task-run-inputs-" + runID.String()
}

// OutputsStorageName returns the name of the host directory
// receiving the run's outputs.
func OutputsStorageName(runID uuid.UUID) string {
	return "task-run-outputs-" + runID.String()
}
