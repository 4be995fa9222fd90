// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package runstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/google/uuid"
)

// MemoryStore is a Store backed by a map. It is safe for concurrent
// use, and can be told to reject upcoming updates with ErrConflict
// so callers' retry paths can be tested.
type MemoryStore struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	mtx       sync.Mutex
	runs      map[uuid.UUID]appengine.Run
	conflicts int
	updates   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[uuid.UUID]appengine.Run{}}
}

func (ms *MemoryStore) now() time.Time {
	if ms.Now != nil {
		return ms.Now()
	}
	return time.Now()
}

// InjectConflicts makes the next n calls to Update fail with
// ErrConflict, regardless of version.
func (ms *MemoryStore) InjectConflicts(n int) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.conflicts = n
}

// Updates returns the number of times Update has been called.
func (ms *MemoryStore) Updates() int {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	return ms.updates
}

func (ms *MemoryStore) Get(ctx context.Context, id uuid.UUID) (appengine.Run, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	run, ok := ms.runs[id]
	if !ok {
		return appengine.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, nil
}

func (ms *MemoryStore) Update(ctx context.Context, run appengine.Run) (appengine.Run, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.updates++
	stored, ok := ms.runs[run.ID]
	if !ok {
		return appengine.Run{}, fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}
	if ms.conflicts > 0 {
		ms.conflicts--
		return appengine.Run{}, fmt.Errorf("%w: %s (injected)", ErrConflict, run.ID)
	}
	if stored.Version != run.Version {
		return appengine.Run{}, fmt.Errorf("%w: %s at version %d, not %d", ErrConflict, run.ID, stored.Version, run.Version)
	}
	stored.State = run.State
	stored.LastStateTransitionAt = run.LastStateTransitionAt
	stored.UpdatedAt = ms.now()
	stored.Version++
	ms.runs[run.ID] = stored
	return stored, nil
}

func (ms *MemoryStore) Insert(ctx context.Context, run appengine.Run) (appengine.Run, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.runs[run.ID]; ok {
		return appengine.Run{}, fmt.Errorf("run %s already exists", run.ID)
	}
	now := ms.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.LastStateTransitionAt.IsZero() {
		run.LastStateTransitionAt = now
	}
	run.Version = 0
	ms.runs[run.ID] = run
	return run, nil
}
