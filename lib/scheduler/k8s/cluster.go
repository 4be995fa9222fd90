// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package k8s implements scheduler.Cluster on a Kubernetes API
// server, running each execution unit as a pod.
package k8s

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cytomine/app-engine/lib/scheduler"
	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/cytomine/app-engine/sdk/go/ctxlog"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

var _ scheduler.Cluster = (*Cluster)(nil)

// Cluster submits and watches pods in one namespace.
type Cluster struct {
	client    kubernetes.Interface
	namespace string
	resync    time.Duration
}

// New returns a Cluster using the given client.
func New(client kubernetes.Interface, namespace string, resync time.Duration) *Cluster {
	return &Cluster{
		client:    client,
		namespace: namespace,
		resync:    resync,
	}
}

// NewFromConfig connects to the API server named in cfg.Kubeconfig,
// or to the one the process is running in if that is empty.
func NewFromConfig(cfg appengine.SchedulerConfig) (*Cluster, error) {
	var restcfg *rest.Config
	var err error
	if cfg.Kubeconfig == "" {
		restcfg, err = rest.InClusterConfig()
	} else {
		restcfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes client config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restcfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return New(client, cfg.Namespace, cfg.ResyncPeriod.Duration()), nil
}

// Submit creates the unit's pod in the cluster's namespace.
func (cl *Cluster) Submit(ctx context.Context, eu *scheduler.ExecutionUnitSpec) error {
	pod := eu.Pod()
	pod.Namespace = cl.namespace
	_, err := cl.client.CoreV1().Pods(cl.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return &scheduler.SchedulingError{Op: "create pod " + pod.Name, Err: err}
	}
	ctxlog.FromContext(ctx).WithField("PodName", pod.Name).Info("pod created")
	return nil
}

// Probe lists at most one pod to check that the API server answers.
func (cl *Cluster) Probe(ctx context.Context) error {
	_, err := cl.client.CoreV1().Pods(cl.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return &scheduler.SchedulingError{Op: "list pods in " + cl.namespace, Err: err}
	}
	return nil
}

// Terminate deletes every pod labelled with runID. Pods that are
// already gone are skipped.
func (cl *Cluster) Terminate(ctx context.Context, runID uuid.UUID) error {
	pods := cl.client.CoreV1().Pods(cl.namespace)
	list, err := pods.List(ctx, metav1.ListOptions{
		LabelSelector: scheduler.RunIDLabel + "=" + runID.String(),
	})
	if err != nil {
		return &scheduler.SchedulingError{Op: "list pods for run " + runID.String(), Err: err}
	}
	for _, pod := range list.Items {
		err := pods.Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			continue
		} else if err != nil {
			return &scheduler.SchedulingError{Op: "delete pod " + pod.Name, Err: err}
		}
		ctxlog.FromContext(ctx).WithField("PodName", pod.Name).Info("pod deleted")
	}
	return nil
}

// Subscribe runs a shared informer on pods carrying the run id label
// and passes their lifecycle events to handler.
//
// A pod found by the informer's initial listing yields a create
// event and, if its phase has moved past Pending, an update event as
// well.
func (cl *Cluster) Subscribe(ctx context.Context, handler scheduler.EventHandler) error {
	logger := ctxlog.FromContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	factory := informers.NewSharedInformerFactoryWithOptions(cl.client, cl.resync,
		informers.WithNamespace(cl.namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = scheduler.RunIDLabel
		}))
	informer := factory.Core().V1().Pods().Informer()

	var fatalOnce sync.Once
	var fatal error
	deliver := func(typ scheduler.EventType, obj interface{}) {
		pod, ok := podFromObject(obj)
		if !ok {
			logger.Warnf("ignoring %s event for unexpected object type %T", typ, obj)
			return
		}
		err := handler(ctx, scheduler.Event{
			Type:    typ,
			PodName: pod.Name,
			Labels:  pod.Labels,
			Phase:   pod.Status.Phase,
		})
		if err != nil {
			fatalOnce.Do(func() {
				fatal = err
				cancel()
			})
		}
	}
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			deliver(scheduler.EventCreate, obj)
			if pod, ok := podFromObject(obj); ok && pod.Status.Phase != "" && pod.Status.Phase != corev1.PodPending {
				deliver(scheduler.EventUpdate, obj)
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			deliver(scheduler.EventUpdate, newObj)
		},
		DeleteFunc: func(obj interface{}) {
			deliver(scheduler.EventDelete, obj)
		},
	})
	if err != nil {
		return fmt.Errorf("adding pod event handler: %w", err)
	}

	factory.Start(ctx.Done())
	defer factory.Shutdown()
	if cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		logger.WithField("Namespace", cl.namespace).Info("watching pods")
	}
	<-ctx.Done()
	// Handler errors are recorded before cancel() is called.
	fatalOnce.Do(func() {})
	return fatal
}

// podFromObject unwraps the tombstones the informer delivers for
// pods deleted while the watch was down.
func podFromObject(obj interface{}) (*corev1.Pod, bool) {
	switch o := obj.(type) {
	case *corev1.Pod:
		return o, true
	case cache.DeletedFinalStateUnknown:
		pod, ok := o.Obj.(*corev1.Pod)
		return pod, ok
	default:
		return nil, false
	}
}
