// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/cytomine/app-engine/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const selectRun = `
SELECT
    r.id, r.secret, r.state, r.created_at, r.updated_at,
    r.last_state_transition_at, r.version,
    t.identifier AS "task.identifier",
    t.name AS "task.name",
    t.version AS "task.version",
    t.image_name AS "task.image_name",
    t.input_folder AS "task.input_folder",
    t.output_folder AS "task.output_folder",
    t.cpus AS "task.cpus",
    t.ram AS "task.ram",
    t.gpus AS "task.gpus"
FROM run r JOIN task t ON t.identifier = r.task_id
WHERE r.id = $1`

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects to the database described by cfg and checks
// that it is reachable.
func OpenPostgres(ctx context.Context, cfg appengine.PostgreSQL) (*PostgresStore, error) {
	connstr := cfg.Connection.String()
	if connstr == "" {
		return nil, errors.New("PostgreSQL.Connection is empty")
	}
	db, err := sqlx.Open("postgres", connstr)
	if err != nil {
		return nil, fmt.Errorf("postgresql connect failed: %w", err)
	}
	if cfg.ConnectionPool > 0 {
		db.SetMaxOpenConns(cfg.ConnectionPool)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect succeeded but ping failed: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore returns a PostgresStore using an existing
// connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the task and run tables if they do not exist.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

func (ps *PostgresStore) Get(ctx context.Context, id uuid.UUID) (appengine.Run, error) {
	return ps.get(ctx, ps.db, id)
}

func (ps *PostgresStore) get(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (appengine.Run, error) {
	var run appengine.Run
	err := sqlx.GetContext(ctx, q, &run, selectRun, id)
	if errors.Is(err, sql.ErrNoRows) {
		return appengine.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return appengine.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (ps *PostgresStore) Update(ctx context.Context, run appengine.Run) (appengine.Run, error) {
	res, err := ps.db.ExecContext(ctx, `
UPDATE run
SET state = $1, last_state_transition_at = $2, updated_at = $3, version = version + 1
WHERE id = $4 AND version = $5`,
		string(run.State), run.LastStateTransitionAt, time.Now(), run.ID, run.Version)
	if err != nil {
		return appengine.Run{}, fmt.Errorf("update run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return appengine.Run{}, fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n == 0 {
		// Either the row is gone or someone else bumped the
		// version first.
		var version int64
		err = ps.db.GetContext(ctx, &version, `SELECT version FROM run WHERE id = $1`, run.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return appengine.Run{}, fmt.Errorf("%w: %s", ErrNotFound, run.ID)
		} else if err != nil {
			return appengine.Run{}, fmt.Errorf("update run %s: %w", run.ID, err)
		}
		return appengine.Run{}, fmt.Errorf("%w: %s at version %d, not %d", ErrConflict, run.ID, version, run.Version)
	}
	ctxlog.FromContext(ctx).WithField("RunID", run.ID).Debugf("updated to version %d", run.Version+1)
	return ps.Get(ctx, run.ID)
}

func (ps *PostgresStore) Insert(ctx context.Context, run appengine.Run) (_ appengine.Run, err error) {
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return appengine.Run{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	t := run.Task
	_, err = tx.ExecContext(ctx, `
INSERT INTO task (identifier, name, version, image_name, input_folder, output_folder, cpus, ram, gpus)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (identifier) DO NOTHING`,
		t.Identifier, t.Name, t.Version, t.ImageName, t.InputFolder, t.OutputFolder, t.CPUs, t.RAM, t.GPUs)
	if err != nil {
		return appengine.Run{}, fmt.Errorf("insert task %s: %w", t.Identifier, err)
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.LastStateTransitionAt.IsZero() {
		run.LastStateTransitionAt = now
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO run (id, task_id, secret, state, created_at, updated_at, last_state_transition_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`,
		run.ID, t.Identifier, run.Secret, string(run.State), run.CreatedAt, now, run.LastStateTransitionAt)
	if err != nil {
		return appengine.Run{}, fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	run, err = ps.get(ctx, tx, run.ID)
	if err != nil {
		return appengine.Run{}, err
	}
	err = tx.Commit()
	return run, err
}
