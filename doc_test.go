// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhythm

import (
	"runtime/debug"
	"testing"
)

func TestVersionOf(t *testing.T) {
	const root = "github.com/go-lpc/rhythm"
	for _, tc := range []struct {
		name    string
		info    *debug.BuildInfo
		version string
		sum     string
	}{
		{name: "nil"},
		{
			name: "no-dep",
			info: &debug.BuildInfo{Deps: []*debug.Module{{Path: "golang.org/x/sys", Version: "v0.7.0"}}},
		},
		{
			name:    "dep",
			info:    &debug.BuildInfo{Deps: []*debug.Module{{Path: root, Version: "v0.2.0", Sum: "h1:xxx"}}},
			version: "v0.2.0",
			sum:     "h1:xxx",
		},
		{
			name: "replace-path-version",
			info: &debug.BuildInfo{Deps: []*debug.Module{{
				Path: root, Version: "v0.2.0",
				Replace: &debug.Module{Path: "example.org/rhythm", Version: "v0.3.0", Sum: "h1:yyy"},
			}}},
			version: "example.org/rhythm v0.3.0",
			sum:     "h1:yyy",
		},
		{
			name: "replace-local",
			info: &debug.BuildInfo{Deps: []*debug.Module{{
				Path: root, Version: "v0.2.0",
				Replace: &debug.Module{},
			}}},
			version: "v0.2.0*",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			version, sum := versionOf(tc.info)
			if version != tc.version || sum != tc.sum {
				t.Fatalf("invalid version: got=(%q, %q), want=(%q, %q)", version, sum, tc.version, tc.sum)
			}
		})
	}
}
