// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bundle

import (
	"context"
	"flag"
	"fmt"
	"io"

	"code.cloudfoundry.org/clock"
	"github.com/google/subcommands"

	"go.chromium.org/gallio/internal/config"
	"go.chromium.org/gallio/internal/host"
	"go.chromium.org/gallio/internal/isolation"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/task"
	"go.chromium.org/gallio/internal/testcontext"
)

// clientCmd connects to an isolation server listening on an IPC port and
// runs the tasks it dispatches until it is asked to shut down.
type clientCmd struct {
	cfg    *config.Config
	reg    *task.Registry
	stderr io.Writer

	debug    bool
	port     string
	guid     string
	ownerPID int
}

var _ = subcommands.Command(&clientCmd{})

func (*clientCmd) Name() string     { return "client" }
func (*clientCmd) Synopsis() string { return "run isolated tasks for an isolation server" }
func (*clientCmd) Usage() string {
	return `Usage: client -port=<port> -guid=<guid> [flag]...

Connect to the isolation server listening on the IPC port in -socket_dir and
run isolated tasks it dispatches.

`
}

func (c *clientCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.debug, "debug", false, "enable debug logs")
	f.StringVar(&c.port, "port", "", "IPC port name of the server")
	f.StringVar(&c.guid, "guid", "", "unique id of the server's message exchange link")
	f.IntVar(&c.ownerPID, "owner-pid", 0, "exit when this process is gone")
	c.cfg.SetFlags(f)
}

func (c *clientCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.port == "" || c.guid == "" {
		fmt.Fprint(c.stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	if err := c.cfg.Validate(); err != nil {
		fmt.Fprintln(c.stderr, err)
		return subcommands.ExitUsageError
	}

	ctx = logging.AttachLogger(ctx, newLogger(c.stderr, c.debug))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := testcontext.NewTracker(
		testcontext.WithCleanupInterval(c.cfg.CleanupInterval),
		testcontext.WithLogContext(ctx))
	defer tracker.Close()

	opts := []isolation.Option{isolation.WithConfig(c.cfg)}
	conn, err := isolation.Dial(ctx, c.cfg.SocketDir, c.port, c.guid, tracker, opts...)
	if err != nil {
		logging.Infof(ctx, "Failed to connect: %v", err)
		return subcommands.ExitFailure
	}
	defer conn.Close()

	if c.ownerPID != 0 {
		// Closing the link ends the receive loop below.
		go func() {
			select {
			case <-host.WatchOwner(ctx, clock.NewClock(), c.ownerPID, c.cfg.OwnerPollInterval):
				conn.Close()
			case <-ctx.Done():
			}
		}()
	}

	if err := isolation.NewClient(conn.Endpoint, c.reg, opts...).Run(ctx); err != nil {
		logging.Infof(ctx, "Client failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
