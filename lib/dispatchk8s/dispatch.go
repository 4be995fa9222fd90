// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatchk8s runs the task run scheduler as a service: it
// keeps run states in step with pod lifecycle events and serves
// health checks and metrics.
package dispatchk8s

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cytomine/app-engine/lib/cmd"
	"github.com/cytomine/app-engine/lib/runstore"
	"github.com/cytomine/app-engine/lib/scheduler"
	"github.com/cytomine/app-engine/lib/scheduler/k8s"
	"github.com/cytomine/app-engine/lib/service"
	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/cytomine/app-engine/sdk/go/auth"
	"github.com/cytomine/app-engine/sdk/go/ctxlog"
	"github.com/cytomine/app-engine/sdk/go/health"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var DispatchCommand cmd.Handler = service.Command("appengine-scheduler", newHandler)

func newHandler(ctx context.Context, cluster *appengine.Cluster, token string, reg *prometheus.Registry) service.Handler {
	store, err := runstore.OpenPostgres(ctx, cluster.PostgreSQL)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error opening run store: %w", err))
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error migrating run store: %w", err))
	}
	kc, err := k8s.NewFromConfig(cluster.Scheduler)
	if err != nil {
		store.Close()
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error initializing kubernetes client: %w", err))
	}
	disp, err := newDispatcher(ctx, cluster, token, reg, store, kc)
	if err != nil {
		store.Close()
		return service.ErrorHandler(ctx, cluster, err)
	}
	disp.closeStore = store.Close
	go disp.Start()
	return disp
}

type dispatcher struct {
	Cluster   *appengine.Cluster
	Context   context.Context
	AuthToken string
	Registry  *prometheus.Registry

	logger       logrus.FieldLogger
	platform     scheduler.Cluster
	scheduler    *scheduler.Scheduler
	synchronizer *scheduler.Synchronizer
	httpHandler  http.Handler
	closeStore   func() error

	initOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// newDispatcher builds the scheduler and synchronizer around the
// given store and platform. It does not start the event
// subscription.
func newDispatcher(ctx context.Context, cluster *appengine.Cluster, token string, reg *prometheus.Registry, store runstore.Store, platform scheduler.Cluster) (*dispatcher, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := scheduler.NewMetrics(reg)
	sch, err := scheduler.New(cluster.Scheduler, platform, store, metrics)
	if err != nil {
		return nil, fmt.Errorf("error initializing scheduler: %w", err)
	}
	syncConfig := scheduler.DefaultSynchronizerConfig()
	if retry := cluster.Scheduler.StateUpdateRetry; retry.Attempts > 0 {
		syncConfig.Retry.Attempts = retry.Attempts
		syncConfig.Retry.Backoff = retry.Backoff.Duration()
	}
	if n := cluster.Scheduler.TerminalRunCacheSize; n > 0 {
		syncConfig.TerminalCacheSize = n
	}
	syn, err := scheduler.NewSynchronizer(store, syncConfig, metrics)
	if err != nil {
		return nil, fmt.Errorf("error initializing synchronizer: %w", err)
	}
	disp := &dispatcher{
		Cluster:      cluster,
		Context:      ctx,
		AuthToken:    token,
		Registry:     reg,
		logger:       ctxlog.FromContext(ctx),
		platform:     platform,
		scheduler:    sch,
		synchronizer: syn,
		stop:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
	disp.setupRoutes()
	return disp, nil
}

func (disp *dispatcher) setupRoutes() {
	if disp.Cluster.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/metrics.json", metricsH)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  disp.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{
			"ping":     disp.ping,
			"platform": disp.scheduler.Alive,
		},
	})
	disp.httpHandler = auth.RequireLiteralToken(disp.Cluster.ManagementToken, mux)
}

// Start starts the event subscription. Start can be called multiple
// times with no ill effect.
func (disp *dispatcher) Start() {
	disp.initOnce.Do(func() {
		go disp.run()
	})
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	if disp.closeStore != nil {
		defer disp.closeStore()
	}
	ctx, cancel := context.WithCancel(disp.Context)
	defer cancel()
	go func() {
		select {
		case <-disp.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if disp.Cluster.Scheduler.DisableMonitor {
		disp.logger.Info("lifecycle monitor disabled by config")
		<-ctx.Done()
		return
	}
	disp.logger.WithFields(logrus.Fields{
		"Namespace": disp.Cluster.Scheduler.Namespace,
		"RunMode":   disp.Cluster.Scheduler.RunMode,
	}).Info("starting lifecycle monitor")
	err := disp.platform.Subscribe(ctx, disp.synchronizer.HandleEvent)
	switch {
	case errors.Is(err, scheduler.ErrContention):
		disp.logger.WithError(err).Error("BUG: run state writes are contended, shutting down")
	case err != nil:
		disp.logger.WithError(err).Error("lifecycle monitor failed")
	case ctx.Err() == nil:
		disp.logger.Error("lifecycle monitor stopped unexpectedly")
	}
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	select {
	case <-disp.stopped:
		return errors.New("stopped")
	default:
		return nil
	}
}

func (disp *dispatcher) ping(context.Context) error {
	return disp.CheckHealth()
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the event subscription and releases resources. Used by
// tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

// Scheduler returns the scheduler used to submit runs.
func (disp *dispatcher) Scheduler() *scheduler.Scheduler {
	return disp.scheduler
}

// Synchronizer returns the synchronizer that applies lifecycle
// events, also used for explicit state changes such as a completion
// callback.
func (disp *dispatcher) Synchronizer() *scheduler.Synchronizer {
	return disp.synchronizer
}
