// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package appengine

// SymlinkKind discriminates the variants of Symlink.
type SymlinkKind string

const (
	SymlinkKindParameter  = SymlinkKind("parameter")
	SymlinkKindCollection = SymlinkKind("collection")
)

// Symlink describes how one input parameter's data is linked into
// the input folder instead of being copied.
//
// For SymlinkKindParameter, Target is the single referenced path.
// For SymlinkKindCollection, Elements maps element keys such as
// "[3][1]" to target paths.
type Symlink struct {
	Kind          SymlinkKind       `json:"kind"`
	ParameterName string            `json:"parameter_name"`
	Target        string            `json:"target,omitempty"`
	Elements      map[string]string `json:"elements,omitempty"`
}

// ParameterSymlink returns a Symlink linking one parameter to one
// target.
func ParameterSymlink(parameterName, target string) Symlink {
	return Symlink{
		Kind:          SymlinkKindParameter,
		ParameterName: parameterName,
		Target:        target,
	}
}

// CollectionSymlink returns a Symlink linking each element of a
// collection parameter to its target.
func CollectionSymlink(parameterName string, elements map[string]string) Symlink {
	if elements == nil {
		elements = map[string]string{}
	}
	return Symlink{
		Kind:          SymlinkKindCollection,
		ParameterName: parameterName,
		Elements:      elements,
	}
}

// Schedule is a run together with the links to materialize for it.
// It is built fresh for each submission.
type Schedule struct {
	Run   Run
	Links []Symlink
}
