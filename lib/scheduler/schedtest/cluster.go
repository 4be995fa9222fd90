// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package schedtest provides an in-memory scheduler.Cluster for
// tests.
package schedtest

import (
	"context"
	"sync"

	"github.com/cytomine/app-engine/lib/scheduler"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var podsResource = schema.GroupResource{Resource: "pods"}

var _ scheduler.Cluster = (*Cluster)(nil)

// Cluster is a scheduler.Cluster that keeps submitted units in
// memory. Lifecycle events are only delivered when a test calls
// Emit (or Submit, if EmitOnSubmit is set).
type Cluster struct {
	// If non-nil, returned by the corresponding method.
	SubmitErr    error
	ProbeErr     error
	TerminateErr error

	// Emit a create event (phase Pending) for each successful
	// submission, before Submit returns. Handler errors are
	// delivered to the subscriber, not to the submitter.
	EmitOnSubmit bool

	mtx       sync.Mutex
	units     map[string]*scheduler.ExecutionUnitSpec
	subs      map[*subscription]bool
	subscribe *sync.Cond
	submits   int
}

type subscription struct {
	handler scheduler.EventHandler
	errc    chan error
}

func (cl *Cluster) setup() {
	if cl.units == nil {
		cl.units = map[string]*scheduler.ExecutionUnitSpec{}
		cl.subs = map[*subscription]bool{}
		cl.subscribe = sync.NewCond(&cl.mtx)
	}
}

func (cl *Cluster) Submit(ctx context.Context, eu *scheduler.ExecutionUnitSpec) error {
	cl.mtx.Lock()
	cl.setup()
	cl.submits++
	if cl.SubmitErr != nil {
		cl.mtx.Unlock()
		return cl.SubmitErr
	}
	if _, exists := cl.units[eu.Name]; exists {
		cl.mtx.Unlock()
		return apierrors.NewAlreadyExists(podsResource, eu.Name)
	}
	cl.units[eu.Name] = eu
	cl.mtx.Unlock()
	if cl.EmitOnSubmit {
		cl.Emit(ctx, scheduler.Event{
			Type:    scheduler.EventCreate,
			PodName: eu.Name,
			Labels:  eu.Labels,
			Phase:   corev1.PodPending,
		})
	}
	return nil
}

func (cl *Cluster) Probe(context.Context) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return cl.ProbeErr
}

func (cl *Cluster) Terminate(ctx context.Context, runID uuid.UUID) error {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	cl.setup()
	if cl.TerminateErr != nil {
		return cl.TerminateErr
	}
	for name, eu := range cl.units {
		if eu.RunID == runID {
			delete(cl.units, name)
		}
	}
	return nil
}

// Subscribe registers handler and blocks until ctx is done or an
// emitted event makes handler fail.
func (cl *Cluster) Subscribe(ctx context.Context, handler scheduler.EventHandler) error {
	sub := &subscription{handler: handler, errc: make(chan error, 1)}
	cl.mtx.Lock()
	cl.setup()
	cl.subs[sub] = true
	cl.subscribe.Broadcast()
	cl.mtx.Unlock()
	defer func() {
		cl.mtx.Lock()
		delete(cl.subs, sub)
		cl.mtx.Unlock()
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-sub.errc:
		return err
	}
}

// WaitSubscribed blocks until at least n subscriptions are active.
func (cl *Cluster) WaitSubscribed(n int) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	cl.setup()
	for len(cl.subs) < n {
		cl.subscribe.Wait()
	}
}

// Emit delivers ev to every current subscriber, synchronously, and
// returns the first handler error. A subscriber whose handler fails
// is ended with that error.
func (cl *Cluster) Emit(ctx context.Context, ev scheduler.Event) error {
	cl.mtx.Lock()
	cl.setup()
	var subs []*subscription
	for sub := range cl.subs {
		subs = append(subs, sub)
	}
	cl.mtx.Unlock()
	var first error
	for _, sub := range subs {
		err := sub.handler(ctx, ev)
		if err == nil {
			continue
		}
		select {
		case sub.errc <- err:
		default:
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// Units returns the currently submitted units, keyed by name.
func (cl *Cluster) Units() map[string]*scheduler.ExecutionUnitSpec {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	units := map[string]*scheduler.ExecutionUnitSpec{}
	for name, eu := range cl.units {
		units[name] = eu
	}
	return units
}

// Submits returns the number of times Submit has been called.
func (cl *Cluster) Submits() int {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return cl.submits
}
