// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"dario.cat/mergo"
	"github.com/cytomine/app-engine/sdk/go/appengine"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/resource"
)

//go:embed config.default.yml
var DefaultYAML []byte

// Loader reads site config from a file (or stdin) and fills in
// defaults.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path to the config file, or "-" for stdin.
	Path string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and Path set to the default config file.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Stdin:  stdin,
		Logger: logger,
		Path:   appengine.DefaultConfigFile,
	}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (\"-\" for stdin)")
}

func (ldr *Loader) Load() (*appengine.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.Stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*appengine.Config, error) {
	var src map[string]interface{}
	err := yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	clusters, _ := src["Clusters"].(map[string]interface{})
	if len(clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}

	// Start with a copy of the default config for each cluster ID
	// mentioned in the given config, then merge the given config
	// on top of it.
	merged := map[string]interface{}{}
	for id := range clusters {
		var dflt map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &dflt)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		err = mergo.Merge(&merged, dflt, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("merging defaults for %s: %s", id, err)
		}
	}
	err = mergo.Merge(&merged, src, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("merging config data: %s", err)
	}

	j, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var cfg appengine.Config
	dec := json.NewDecoder(bytes.NewBuffer(j))
	dec.DisallowUnknownFields()
	err = dec.Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	for id, cc := range cfg.Clusters {
		if err := checkCluster(cc); err != nil {
			return nil, fmt.Errorf("Clusters.%s: %s", id, err)
		}
		if ldr.Logger != nil && cc.ManagementToken == "" {
			ldr.Logger.Warnf("Clusters.%s.ManagementToken is empty, health and metrics endpoints will be disabled", id)
		}
	}
	return &cfg, nil
}

func checkCluster(cc appengine.Cluster) error {
	sc := cc.Scheduler
	switch sc.RunMode {
	case appengine.RunModeCluster, appengine.RunModeLocal:
	default:
		return fmt.Errorf("Scheduler.RunMode %q is not one of %q, %q", sc.RunMode, appengine.RunModeCluster, appengine.RunModeLocal)
	}
	if u, err := url.Parse(sc.AdvertisedURL); err != nil {
		return fmt.Errorf("Scheduler.AdvertisedURL: %s", err)
	} else if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("Scheduler.AdvertisedURL %q is not an absolute URL", sc.AdvertisedURL)
	}
	for name, q := range map[string]string{
		"CPU": sc.HelperContainersResources.CPU,
		"RAM": sc.HelperContainersResources.RAM,
	} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return fmt.Errorf("Scheduler.HelperContainersResources.%s %q: %s", name, q, err)
		}
	}
	if sc.Namespace == "" {
		return errors.New("Scheduler.Namespace is empty")
	}
	if sc.HelperImage == "" {
		return errors.New("Scheduler.HelperImage is empty")
	}
	if sc.StateUpdateRetry.Attempts < 1 {
		return fmt.Errorf("Scheduler.StateUpdateRetry.Attempts must be at least 1, got %d", sc.StateUpdateRetry.Attempts)
	}
	return nil
}
