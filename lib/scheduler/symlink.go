// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/cytomine/app-engine/sdk/go/appengine"
)

// ManifestName is the file written in each collection directory to
// record how many entries it holds.
const ManifestName = "array.yml"

var elementKeyRegexp = regexp.MustCompile(`^(\[[^\[\]/]+\])+$`)

// ConvertBracketsToPath turns an element key like "[3][1]" into the
// relative path "3/1".
func ConvertBracketsToPath(key string) string {
	for strings.Contains(key, "][") {
		key = strings.Replace(key, "][", "/", -1)
	}
	key = strings.TrimPrefix(key, "[")
	return strings.TrimSuffix(key, "]")
}

// escapesDir reports whether any index of key is "." or "..", which
// would place the link outside its parameter directory.
func escapesDir(key string) bool {
	for _, seg := range strings.Split(ConvertBracketsToPath(key), "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// symlinkPlanner produces the shell commands that materialize a
// run's symlinks under inputRoot.
type symlinkPlanner struct {
	inputRoot string
	// Relative targets are resolved here.
	datasetsMount string
}

// Commands returns the commands to run, in order. It returns an
// ErrInvalidSchedule error if any descriptor is malformed.
func (sp symlinkPlanner) Commands(links []appengine.Symlink) ([]string, error) {
	var cmds []string
	seen := map[string]bool{}
	for _, link := range links {
		if err := checkParameterName(link.ParameterName); err != nil {
			return nil, err
		}
		if seen[link.ParameterName] {
			return nil, invalidf("parameter %q is linked more than once", link.ParameterName)
		}
		seen[link.ParameterName] = true
		dir := path.Join(sp.inputRoot, link.ParameterName)
		switch link.Kind {
		case appengine.SymlinkKindParameter:
			target, err := sp.target(link.ParameterName, link.Target)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, "ln -sfn "+shellQuote(target)+" "+shellQuote(dir))
		case appengine.SymlinkKindCollection:
			more, err := sp.collectionCommands(dir, link)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, more...)
		default:
			return nil, invalidf("parameter %q: unknown symlink kind %q", link.ParameterName, link.Kind)
		}
	}
	return cmds, nil
}

func (sp symlinkPlanner) collectionCommands(dir string, link appengine.Symlink) ([]string, error) {
	keys := make([]string, 0, len(link.Elements))
	for key := range link.Elements {
		if !elementKeyRegexp.MatchString(key) || escapesDir(key) {
			return nil, invalidf("parameter %q: malformed element key %q", link.ParameterName, key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// children maps each directory (relative to dir, "" for dir
	// itself) to the names of its direct entries.
	children := map[string]map[string]bool{"": {}}
	leaves := map[string]bool{}
	cmds := []string{"mkdir -p " + shellQuote(dir)}
	for _, key := range keys {
		rel := ConvertBracketsToPath(key)
		leaves[rel] = true
		target, err := sp.target(link.ParameterName, link.Elements[key])
		if err != nil {
			return nil, err
		}
		parts := strings.Split(rel, "/")
		for i := range parts {
			parent := strings.Join(parts[:i], "/")
			if children[parent] == nil {
				children[parent] = map[string]bool{}
			}
			children[parent][parts[i]] = true
		}
		if parent := path.Dir(rel); parent != "." {
			cmds = append(cmds, "mkdir -p "+shellQuote(path.Join(dir, parent)))
		}
		cmds = append(cmds, "ln -sfn "+shellQuote(target)+" "+shellQuote(path.Join(dir, rel)))
	}
	// An element that is also a directory (e.g. both "[3]" and
	// "[3][1]") cannot be materialized.
	for rel := range leaves {
		if children[rel] != nil {
			return nil, invalidf("parameter %q: element %q is both a link and a directory", link.ParameterName, rel)
		}
	}

	dirs := make([]string, 0, len(children))
	for rel := range children {
		dirs = append(dirs, rel)
	}
	sort.Strings(dirs)
	for _, rel := range dirs {
		manifest := path.Join(dir, rel, ManifestName)
		cmds = append(cmds, fmt.Sprintf("echo 'size: %d' > %s", len(children[rel]), shellQuote(manifest)))
	}
	return cmds, nil
}

func (sp symlinkPlanner) target(param, target string) (string, error) {
	if target == "" {
		return "", invalidf("parameter %q: empty link target", param)
	}
	if path.IsAbs(target) {
		return target, nil
	}
	return path.Join(sp.datasetsMount, target), nil
}

func checkParameterName(name string) error {
	if name == "" {
		return invalidf("symlink has no parameter name")
	}
	if strings.Contains(name, "/") || name == "." || name == ".." {
		return invalidf("parameter name %q is not a plain file name", name)
	}
	return nil
}

// shellQuote returns s quoted for /bin/sh.
func shellQuote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
