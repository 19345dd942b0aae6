// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of callbridge binaries.
package version

import "runtime/debug"

// Version is overridden at build time via
// -ldflags "-X github.com/bureau-foundation/callbridge/lib/version.Version=v1.2.3".
var Version = ""

// Info returns the human-readable version string: the linker-injected
// version if set, otherwise the module version from build info, with
// the VCS revision appended when available.
func Info() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(unknown)"
	}
	version := info.Main.Version
	if version == "" || version == "(devel)" {
		version = "devel"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
			return version + "+" + setting.Value[:12]
		}
	}
	return version
}
