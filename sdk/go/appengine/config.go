// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package appengine

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultConfigFile = "/etc/app-engine/config.yml"

// RunMode selects how inputs reach the execution unit.
type RunMode string

const (
	// RunModeCluster downloads inputs from the callback API and
	// uploads outputs back to it.
	RunModeCluster = RunMode("cluster")
	// RunModeLocal links pre-existing datasets from a host path and
	// notifies completion through the callback API.
	RunModeLocal = RunMode("local")
)

type Config struct {
	Clusters map[string]Cluster
	// Restart the service when the config file changes.
	AutoReloadConfig bool
}

// GetCluster returns the config for the given cluster, or the
// default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		}
		for id, cc := range sc.Clusters {
			cc.ClusterID = id
			return &cc, nil
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	Services struct {
		Scheduler struct {
			Listen string
		}
	}
	PostgreSQL PostgreSQL
	Scheduler  SchedulerConfig
}

type PostgreSQL struct {
	Connection     PostgreSQLConnection
	ConnectionPool int
}

// PostgreSQLConnection holds libpq connection keywords such as
// "host" and "dbname".
type PostgreSQLConnection map[string]string

// String returns a libpq keyword/value connection string. Keys are
// sorted so the result is stable.
func (c PostgreSQLConnection) String() string {
	var keys []string
	for k, v := range c {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(c[k], `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}

type SchedulerConfig struct {
	RunMode RunMode
	// Base URL the execution unit uses to reach the callback API,
	// e.g. "http://app-engine:8080".
	AdvertisedURL string
	APIPrefix     string
	Namespace     string
	// Path to a kubeconfig file. Empty means in-cluster config.
	Kubeconfig   string
	RegistryHost string
	HelperImage  string

	HelperContainersResources struct {
		CPU string
		RAM string
	}

	Storage struct {
		InputsBasePath    string
		OutputsBasePath   string
		DatasetsPath      string
		DatasetsMountPath string
	}

	ResyncPeriod     Duration
	StateUpdateRetry struct {
		Attempts int
		Backoff  Duration
	}
	TerminalRunCacheSize int

	// Skip subscribing to cluster events (used by tests).
	DisableMonitor bool
}

// CallbackURL returns the base URL for a run's callback endpoints,
// without a trailing slash.
func (sc SchedulerConfig) CallbackURL(runID string) string {
	return strings.TrimRight(sc.AdvertisedURL, "/") + sc.APIPrefix + "/task-runs/" + runID
}
