// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"io"

	"github.com/peterbourgon/ff/v3"
)

const (
	imageHelp      = "Unit image to build the address space map of."
	localStoreHelp = "Local store dump to read overlay guards from. " +
		"Without it overlay segments never match."
	addrHelp    = "Comma separated list of local store addresses to translate."
	configHelp  = "Path to a plain text file holding flags, one per line."
	verboseHelp = "Enable verbose logging and debugging capabilities."
	versionHelp = "Show version."
)

type arguments struct {
	image      string
	localStore string
	addrs      string
	verbose    bool
	version    bool
}

func parseArgs(args []string, output io.Writer) (*arguments, error) {
	var a arguments

	fs := flag.NewFlagSet("addrmap", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&a.addrs, "addr", "", addrHelp)
	fs.String("config", "", configHelp)
	fs.StringVar(&a.image, "image", "", imageHelp)
	fs.StringVar(&a.localStore, "local-store", "", localStoreHelp)
	fs.BoolVar(&a.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&a.verbose, "verbose", false, verboseHelp)
	fs.BoolVar(&a.version, "version", false, versionHelp)

	return &a, ff.Parse(fs, args,
		ff.WithEnvVarPrefix("SPU_PROFILER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
}
