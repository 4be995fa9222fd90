// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/cytomine/app-engine/lib/cmd"
	"github.com/cytomine/app-engine/lib/config"
	"github.com/cytomine/app-engine/lib/dispatchk8s"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-dump": config.DumpCommand,
		"scheduler":   dispatchk8s.DispatchCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
