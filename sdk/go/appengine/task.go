// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package appengine

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Task is an installed, versioned task image together with the
// resources and container paths it declares.
type Task struct {
	Identifier   uuid.UUID `json:"identifier" db:"identifier"`
	Name         string    `json:"name" db:"name"`
	Version      string    `json:"version" db:"version"`
	ImageName    string    `json:"image_name" db:"image_name"`
	InputFolder  string    `json:"input_folder" db:"input_folder"`
	OutputFolder string    `json:"output_folder" db:"output_folder"`
	CPUs         int       `json:"cpus" db:"cpus"`
	RAM          string    `json:"ram" db:"ram"`
	GPUs         int       `json:"gpus" db:"gpus"`
}

// Container paths end up in shell commands, so they are restricted
// to characters that need no quoting.
var containerPathRegexp = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)

// Validate returns an error describing the first problem that would
// prevent the task from being compiled into a pod.
func (t Task) Validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("task has no name")
	case t.ImageName == "":
		return fmt.Errorf("task %q has no image", t.Name)
	case !containerPathRegexp.MatchString(t.InputFolder):
		return fmt.Errorf("task %q input folder %q is not an absolute path of plain characters", t.Name, t.InputFolder)
	case !containerPathRegexp.MatchString(t.OutputFolder):
		return fmt.Errorf("task %q output folder %q is not an absolute path of plain characters", t.Name, t.OutputFolder)
	case t.CPUs < 1:
		return fmt.Errorf("task %q requests %d cpus", t.Name, t.CPUs)
	case t.GPUs < 0:
		return fmt.Errorf("task %q requests %d gpus", t.Name, t.GPUs)
	}
	if _, err := resource.ParseQuantity(t.RAM); err != nil {
		return fmt.Errorf("task %q ram %q: %w", t.Name, t.RAM, err)
	}
	return nil
}
