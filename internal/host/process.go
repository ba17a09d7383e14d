// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/config"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/poll"
	"go.chromium.org/gallio/internal/rpc"
	"go.chromium.org/gallio/internal/testcontext"
)

// abruptMessage is the reason of a HostError returned when a host process
// exits before it becomes ready.
const abruptMessage = "the host process terminated abruptly"

// ProcessFactory creates hosts running the gallio_host executable as a
// separate process. The shim is served over stdin/stdout of the process,
// and its stderr is logged.
type ProcessFactory struct {
	// Launcher starts host processes.
	Launcher Launcher
	// Config supplies timeouts. Default values are used if nil.
	Config *config.Config
	// Tracker propagates test contexts over calls. The default tracker is
	// used if nil.
	Tracker *testcontext.Tracker
	// Clock drives timeouts. The real clock is used if nil.
	Clock clock.Clock
}

var _ Factory = (*ProcessFactory)(nil)

// NewLocalProcessFactory returns a ProcessFactory running cfg.HostExecutable
// on the local machine.
func NewLocalProcessFactory(cfg *config.Config) *ProcessFactory {
	return &ProcessFactory{Launcher: &ExecLauncher{Path: cfg.HostExecutable}, Config: cfg}
}

// NewSSHProcessFactory returns a ProcessFactory running cfg.HostExecutable
// on the machine cl is connected to.
func NewSSHProcessFactory(cl *ssh.Client, cfg *config.Config) *ProcessFactory {
	return &ProcessFactory{Launcher: &SSHLauncher{Client: cl, Path: cfg.HostExecutable}, Config: cfg}
}

// CreateHost launches a host process and waits until its shim answers.
func (f *ProcessFactory) CreateHost(ctx context.Context, setup *Setup) (Host, error) {
	cfg := f.Config
	if cfg == nil {
		cfg = config.Default()
	}
	clk := f.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	tracker := f.Tracker
	if tracker == nil {
		tracker = testcontext.DefaultTracker()
	}

	args := []string{"shim"}
	if setup.Debug {
		args = append(args, "-debug")
	}
	proc, err := f.Launcher.Launch(ctx, setup, args)
	if err != nil {
		return nil, newHostError("failed to launch the host process", err)
	}

	h := &processHost{
		proc:         proc,
		cfg:          cfg,
		clk:          clk,
		disconnected: make(chan struct{}),
	}
	h.supervise(ctx)

	req := &rpc.HandshakeRequest{
		Properties: setup.Properties,
		WorkingDir: setup.WorkingDir,
	}
	if f.Launcher.Local() {
		req.OwnerPID = os.Getpid()
	}
	cl, err := rpc.NewClient(ctx, proc.Stdout(), proc.Stdin(), req, tracker, h.terminate)
	if err != nil {
		// rpc.NewClient has already called terminate.
		if h.exited() && !h.killed {
			return nil, newHostError(abruptMessage, err)
		}
		return nil, newHostError("failed to attach to the host process", err)
	}
	h.client = cl
	h.shim = rpc.NewShimClient(cl.Conn)

	if err := h.waitReady(ctx); err != nil {
		cl.Close(ctx)
		return nil, err
	}
	return h, nil
}

// processHost is a host created by ProcessFactory.
type processHost struct {
	proc Process
	cfg  *config.Config
	clk  clock.Clock

	client *rpc.Client
	shim   rpc.ShimClient

	disconnected chan struct{}
	waitErr      error // set before disconnected is closed
	killed       bool  // set by terminate
}

func (h *processHost) Shim() rpc.ShimClient          { return h.shim }
func (h *processHost) Disconnected() <-chan struct{} { return h.disconnected }

// Close closes the connection, which makes the host exit, and kills the
// process if it does not exit in time.
func (h *processHost) Close(ctx context.Context) error {
	return h.client.Close(ctx)
}

// supervise logs stderr of the process and marks the host disconnected once
// the process exits.
func (h *processHost) supervise(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		return pumpLog(ctx, h.proc.Stderr())
	})
	go func() {
		if err := g.Wait(); err != nil {
			logging.Debugf(ctx, "Failed to read host stderr: %v", err)
		}
		h.waitErr = h.proc.Wait()
		if h.waitErr != nil {
			logging.Debugf(ctx, "Host process exited: %v", h.waitErr)
		}
		close(h.disconnected)
	}()
}

func (h *processHost) exited() bool {
	select {
	case <-h.disconnected:
		return true
	default:
		return false
	}
}

// waitReady pings the shim until it answers.
func (h *processHost) waitReady(ctx context.Context) error {
	err := poll.Poll(ctx, func(ctx context.Context) error {
		if h.exited() {
			return poll.Break(newHostError(abruptMessage, h.waitErr))
		}
		pctx, cancel := context.WithTimeout(ctx, h.cfg.HostReadyPollInterval)
		defer cancel()
		_, err := h.shim.Ping(pctx, &rpc.Empty{})
		return err
	}, &poll.Options{
		Timeout:  h.cfg.HostReadyTimeout,
		Interval: h.cfg.HostReadyPollInterval,
		Clock:    h.clk,
	})
	if err == nil {
		return nil
	}
	var he *HostError
	if errors.As(err, &he) {
		return he
	}
	return newHostError("the host process did not become ready", err)
}

// terminate closes stdin of the process and waits for it to exit, killing
// it after JoinBeforeAbort.
func (h *processHost) terminate(ctx context.Context) error {
	h.proc.Stdin().Close()
	if h.join(h.cfg.JoinBeforeAbort) {
		return nil
	}

	logging.Infof(ctx, "Host process did not exit within %v; killing it", h.cfg.JoinBeforeAbort)
	h.killed = true
	if err := h.proc.Kill(); err != nil {
		logging.Infof(ctx, "Failed to kill host process: %v", err)
	}
	if h.join(h.cfg.JoinAfterAbort) {
		return nil
	}
	return errors.Errorf("host process did not exit within %v after being killed", h.cfg.JoinAfterAbort)
}

// join waits up to d for the process to exit.
func (h *processHost) join(d time.Duration) bool {
	tm := h.clk.NewTimer(d)
	defer tm.Stop()
	select {
	case <-h.disconnected:
		return true
	case <-tm.C():
		return false
	}
}

// pumpLog logs lines read from r until EOF.
func pumpLog(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logging.Info(ctx, "[host] ", sc.Text())
	}
	return sc.Err()
}
