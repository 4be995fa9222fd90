// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package appengine

// TaskRunState is a string corresponding to a valid Run state.
type TaskRunState string

const (
	TaskRunStateCreated     = TaskRunState("CREATED")
	TaskRunStateProvisioned = TaskRunState("PROVISIONED")
	TaskRunStateQueued      = TaskRunState("QUEUED")
	TaskRunStatePending     = TaskRunState("PENDING")
	TaskRunStateRunning     = TaskRunState("RUNNING")
	TaskRunStateFinished    = TaskRunState("FINISHED")
	TaskRunStateFailed      = TaskRunState("FAILED")
)

var taskRunStateRank = map[TaskRunState]int{
	TaskRunStateCreated:     0,
	TaskRunStateProvisioned: 1,
	TaskRunStateQueued:      2,
	TaskRunStatePending:     3,
	TaskRunStateRunning:     4,
	TaskRunStateFinished:    5,
	TaskRunStateFailed:      5,
}

// Valid returns true if s is one of the known states.
func (s TaskRunState) Valid() bool {
	_, ok := taskRunStateRank[s]
	return ok
}

// Final returns true if no further transition can be applied to a
// Run in state s.
func (s TaskRunState) Final() bool {
	return s == TaskRunStateFinished || s == TaskRunStateFailed
}

// Rank returns the position of s in the lifecycle. Unknown states
// rank below CREATED.
func (s TaskRunState) Rank() int {
	if r, ok := taskRunStateRank[s]; ok {
		return r
	}
	return -1
}

// CanAdvanceTo returns true if moving from s to next is a forward
// transition: terminal states accept nothing, FAILED is reachable
// from any other state, everything else must strictly increase rank.
func (s TaskRunState) CanAdvanceTo(next TaskRunState) bool {
	switch {
	case s.Final() || !next.Valid():
		return false
	case next == TaskRunStateFailed:
		return true
	default:
		return next.Rank() > s.Rank()
	}
}
