// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package bundle implements the main function of host executables.
//
// A host executable bundles isolated tasks. A controller starts it with the
// shim subcommand to serve a host over stdin/stdout, or it is started with
// the client subcommand to run tasks for an isolation server listening on
// an IPC port.
package bundle

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"go.chromium.org/gallio/internal/config"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/task"
)

const (
	signalChannelSize = 3 // capacity of channel used to intercept signals
)

// Version is the version info of host executables. It is filled in at build
// time.
var Version = "<unknown>"

// newLogger returns a logger writing to w, typically stderr. stdout is
// reserved for the shim connection.
func newLogger(w io.Writer, debug bool) logging.Logger {
	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	return logging.NewTextLogger(w, level, true)
}

// installSignalHandler makes the process exit on termination signals.
// Deferred functions do not run in that case.
func installSignalHandler(stderr io.Writer) {
	sc := make(chan os.Signal, signalChannelSize)
	go func() {
		for sig := range sc {
			fmt.Fprintf(stderr, "Caught %v signal; exiting\n", sig)
			os.Exit(1)
		}
	}()
	signal.Notify(sc, unix.SIGINT, unix.SIGTERM)
}

// Main implements the main function of a host executable serving tasks in
// reg. The global registry is used if reg is nil.
//
// clArgs should typically be os.Args[1:]. The returned status code should be
// passed to os.Exit.
func Main(clArgs []string, stdin io.Reader, stdout, stderr io.Writer, reg *task.Registry) int {
	installSignalHandler(stderr)
	return run(context.Background(), clArgs, stdin, stdout, stderr, reg)
}

func run(ctx context.Context, clArgs []string, stdin io.Reader, stdout, stderr io.Writer, reg *task.Registry) int {
	if reg == nil {
		reg = task.GlobalRegistry()
	}
	if errs := reg.Errors(); len(errs) > 0 {
		fmt.Fprintf(stderr, "Error(s) in registered tasks: %v\n", errs)
		return int(subcommands.ExitFailure)
	}

	fs := flag.NewFlagSet("gallio_host", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")

	cfg := config.Default()
	cmdr := subcommands.NewCommander(fs, "gallio_host")
	cmdr.Output = stdout
	cmdr.Error = stderr
	cmdr.Register(cmdr.HelpCommand(), "")
	cmdr.Register(cmdr.FlagsCommand(), "")
	cmdr.Register(cmdr.CommandsCommand(), "")
	cmdr.Register(&shimCmd{cfg: cfg, reg: reg, stdin: stdin, stdout: stdout, stderr: stderr}, "")
	cmdr.Register(&clientCmd{cfg: cfg, reg: reg, stderr: stderr}, "")
	cmdr.Register(&versionCmd{stdout: stdout}, "")

	if err := fs.Parse(clArgs); err != nil {
		return int(subcommands.ExitUsageError)
	}

	// Subcommand flags are registered in Execute, so values loaded here
	// become their defaults.
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return int(subcommands.ExitUsageError)
		}
		*cfg = *loaded
	}

	return int(cmdr.Execute(ctx))
}
