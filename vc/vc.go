// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "go.opentelemetry.io/spu-profiler/vc"

import "fmt"

// The following variables are set at link time using ldflags.
var (
	revision       = ""
	buildTimestamp = ""
	version        = "v0.0.0-dev"
)

// Revision of the build.
func Revision() string { return revision }

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string { return buildTimestamp }

// Version in vX.Y.Z{-N-abbrev} format.
func Version() string { return version }

// String summarizes the build information in one line.
func String() string {
	return fmt.Sprintf("%s (revision %s, build timestamp %s)", version, revision, buildTimestamp)
}
