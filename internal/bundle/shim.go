// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bundle

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"code.cloudfoundry.org/clock"
	"github.com/google/subcommands"
	"google.golang.org/grpc"

	"go.chromium.org/gallio/internal/config"
	"go.chromium.org/gallio/internal/host"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/rpc"
	"go.chromium.org/gallio/internal/task"
	"go.chromium.org/gallio/internal/testcontext"
)

// exitOwnerGone is the exit status used when the owner process disappears.
const exitOwnerGone = 3

// shimCmd serves the shim over stdin/stdout. It is started by a process
// host factory of a controller.
type shimCmd struct {
	cfg    *config.Config
	reg    *task.Registry
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	debug    bool
	ownerPID int
}

var _ = subcommands.Command(&shimCmd{})

func (*shimCmd) Name() string     { return "shim" }
func (*shimCmd) Synopsis() string { return "serve the host shim over stdin/stdout" }
func (*shimCmd) Usage() string {
	return `Usage: shim [flag]...

Serve the host shim over stdin and stdout. Logs are written to stderr.
The process exits when stdin is closed.

`
}

func (s *shimCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.debug, "debug", false, "enable debug logs")
	f.IntVar(&s.ownerPID, "owner-pid", 0, "exit when this process is gone (0 to use the pid sent by the controller)")
	s.cfg.SetFlags(f)
}

func (s *shimCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := s.cfg.Validate(); err != nil {
		fmt.Fprintln(s.stderr, err)
		return subcommands.ExitUsageError
	}

	logger := newLogger(s.stderr, s.debug)
	ctx = logging.AttachLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := testcontext.NewTracker(
		testcontext.WithCleanupInterval(s.cfg.CleanupInterval),
		testcontext.WithLogContext(ctx))
	defer tracker.Close()

	shim := host.RegisterShim(s.reg, func() {
		logging.Debug(ctx, "Runtime shut down")
	})
	register := func(srv *grpc.Server, req *rpc.HandshakeRequest) error {
		if err := shim(srv, req); err != nil {
			return err
		}
		pid := s.ownerPID
		if pid == 0 {
			pid = req.OwnerPID
		}
		if pid != 0 {
			go s.exitWithOwner(ctx, pid)
		}
		return nil
	}

	logging.Debugf(ctx, "Serving shim (pid %d)", os.Getpid())
	if err := rpc.RunServer(s.stdin, s.stdout, logger, tracker, register); err != nil {
		logging.Infof(ctx, "Shim failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// exitWithOwner terminates the process once pid is gone.
func (s *shimCmd) exitWithOwner(ctx context.Context, pid int) {
	select {
	case <-host.WatchOwner(ctx, clock.NewClock(), pid, s.cfg.OwnerPollInterval):
		logging.Infof(ctx, "Owner process %d exited; exiting", pid)
		os.Exit(exitOwnerGone)
	case <-ctx.Done():
	}
}
