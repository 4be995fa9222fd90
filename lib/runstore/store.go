// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package runstore persists Run records. Every write is conditional
// on the record's version counter, so concurrent writers never
// overwrite each other silently.
package runstore

import (
	"context"
	"errors"

	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/google/uuid"
)

var (
	// ErrNotFound means no run exists with the requested id.
	ErrNotFound = errors.New("run not found")
	// ErrConflict means the stored version no longer matches the
	// version the caller read.
	ErrConflict = errors.New("run was modified concurrently")
)

// A Store reads and conditionally writes Run records.
type Store interface {
	// Get returns the current record for the given run.
	Get(ctx context.Context, id uuid.UUID) (appengine.Run, error)

	// Update writes run's State and LastStateTransitionAt if
	// the stored Version equals run.Version, and returns the
	// stored record with Version incremented and UpdatedAt
	// set. Otherwise it returns ErrConflict (or ErrNotFound).
	Update(ctx context.Context, run appengine.Run) (appengine.Run, error)

	// Insert adds a new run (and its task, if not already
	// present). The returned record has Version 0.
	Insert(ctx context.Context, run appengine.Run) (appengine.Run, error)
}
