// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// addrmap prints the address space map of a unit image and translates local
// store addresses through it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/spu-profiler/addrmap"
	"go.opentelemetry.io/spu-profiler/remotememory"
	"go.opentelemetry.io/spu-profiler/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(run(os.Args[1:], os.Stdout)))
}

func run(argv []string, stdout io.Writer) exitCode {
	args, err := parseArgs(argv, stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		log.Errorf("Failure to parse arguments: %v", err)
		return exitParseError
	}

	if args.version {
		fmt.Fprintf(stdout, "%s\n", vc.String())
		return exitSuccess
	}
	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}
	if args.image == "" {
		log.Error("No image given, see -image")
		return exitParseError
	}

	addrs, err := parseAddrs(args.addrs)
	if err != nil {
		log.Errorf("Invalid address list: %v", err)
		return exitParseError
	}

	if err := dump(args, addrs, stdout); err != nil {
		log.Error(err)
		return exitFailure
	}
	return exitSuccess
}

func parseAddrs(list string) ([]uint32, error) {
	var addrs []uint32
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		addr, err := strconv.ParseUint(field, 0, 32)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, uint32(addr))
	}
	return addrs, nil
}

func dump(args *arguments, addrs []uint32, out io.Writer) error {
	image, err := os.Open(args.image)
	if err != nil {
		return err
	}
	defer image.Close()

	m, err := addrmap.Build(image)
	if err != nil {
		return fmt.Errorf("failed to build map of %s: %w", args.image, err)
	}
	log.Debugf("Built map of %s with %d segments", args.image, m.Len())

	for i, s := range m.Segments() {
		fmt.Fprintf(out, "%3d %v\n", i, s)
	}

	var ls addrmap.LocalStore
	if args.localStore != "" {
		f, err := os.Open(args.localStore)
		if err != nil {
			return err
		}
		defer f.Close()
		ls = remotememory.RemoteMemory{ReaderAt: f}
	}

	for _, addr := range addrs {
		t, ok := m.Lookup(addr, ls)
		switch {
		case !ok:
			fmt.Fprintf(out, "%#08x unmapped\n", addr)
		case t.Guard != 0:
			fmt.Fprintf(out, "%#08x -> %#x (overlay %d)\n", addr, t.Offset, t.Guard)
		default:
			fmt.Fprintf(out, "%#08x -> %#x\n", addr, t.Offset)
		}
	}
	return nil
}
