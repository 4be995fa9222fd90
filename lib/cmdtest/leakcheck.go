// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if anything is written to os.Stdout or
// os.Stderr instead of the streams passed to a cmd.Handler.
//
// Both are redirected to unlinked tempfiles until the returned func
// is called, which restores them and checks the tempfiles are empty.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ...
//	}
func LeakCheck(c *check.C) func() {
	tmpfiles := map[string]*os.File{"stdout": nil, "stderr": nil}
	for name := range tmpfiles {
		f, err := os.CreateTemp("", "leakcheck-"+name+"-")
		c.Assert(err, check.IsNil)
		c.Assert(os.Remove(f.Name()), check.IsNil)
		tmpfiles[name] = f
	}

	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = tmpfiles["stdout"], tmpfiles["stderr"]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for name, f := range tmpfiles {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", name))
			f.Close()
		}
	}
}
