// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/config"
	"go.chromium.org/gallio/internal/host"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/logging/loggingtest"
	"go.chromium.org/gallio/internal/rpc"
	"go.chromium.org/gallio/internal/task"
	"go.chromium.org/gallio/internal/testcontext"
)

// fakeProcess runs a function in place of a host process, connected to it
// through in-memory pipes.
type fakeProcess struct {
	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter
	ignoreStdinClose         bool

	done chan struct{}
	err  error

	mu     sync.Mutex
	killed bool
}

// startFakeProcess calls main on a goroutine. The process exits when main
// returns.
func startFakeProcess(ignoreStdinClose bool, main func(stdin io.Reader, stdout, stderr io.Writer) error) *fakeProcess {
	p := &fakeProcess{ignoreStdinClose: ignoreStdinClose, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go func() {
		defer close(p.done)
		p.err = main(p.stdinR, p.stdoutW, p.stderrW)
		p.stdinR.Close()
		p.stdoutW.Close()
		p.stderrW.Close()
	}()
	return p
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (p *fakeProcess) Stdin() io.WriteCloser {
	if p.ignoreStdinClose {
		return nopWriteCloser{p.stdinW}
	}
	return p.stdinW
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	killed := errors.New("killed")
	p.stdinR.CloseWithError(killed)
	p.stdoutW.CloseWithError(killed)
	p.stderrW.CloseWithError(killed)
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeLauncher launches fake processes.
type fakeLauncher struct {
	start func() *fakeProcess

	mu    sync.Mutex
	procs []*fakeProcess
	args  [][]string
}

func (l *fakeLauncher) Local() bool { return true }

func (l *fakeLauncher) Launch(ctx context.Context, setup *host.Setup, args []string) (host.Process, error) {
	p := l.start()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.procs = append(l.procs, p)
	l.args = append(l.args, args)
	return p, nil
}

// shimMain returns a fake process main function serving the shim.
func shimMain(reg *task.Registry, tracker *testcontext.Tracker) func(stdin io.Reader, stdout, stderr io.Writer) error {
	return func(stdin io.Reader, stdout, stderr io.Writer) error {
		fmt.Fprintln(stderr, "host started")
		var owner int
		err := rpc.RunServer(stdin, stdout, nil, tracker, func(srv *grpc.Server, req *rpc.HandshakeRequest) error {
			owner = req.OwnerPID
			return host.RegisterShim(reg, nil)(srv, req)
		})
		fmt.Fprintf(stderr, "host exiting; owner=%v\n", owner != 0)
		return err
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HostReadyTimeout = 10 * time.Second
	cfg.HostReadyPollInterval = 10 * time.Millisecond
	cfg.JoinBeforeAbort = 10 * time.Second
	cfg.JoinAfterAbort = 10 * time.Second
	return cfg
}

func TestProcessHost(t *testing.T) {
	logger := loggingtest.NewLogger(t, logging.LevelInfo)
	ctx := logging.AttachLogger(context.Background(), logger)
	tracker := newTracker(t)
	reg := newTestRegistry(t, nil)

	l := &fakeLauncher{start: func() *fakeProcess {
		return startFakeProcess(false, shimMain(reg, tracker))
	}}
	f := &host.ProcessFactory{Launcher: l, Config: testConfig(), Tracker: tracker}

	h, err := f.CreateHost(ctx, &host.Setup{Debug: true})
	if err != nil {
		t.Fatal("CreateHost failed: ", err)
	}
	if _, err := h.Shim().Initialize(ctx, &rpc.InitializeRequest{}); err != nil {
		t.Error("Initialize failed: ", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Error("Close failed: ", err)
	}
	<-h.Disconnected()

	if diff := cmp.Diff(l.args, [][]string{{"shim", "-debug"}}); diff != "" {
		t.Errorf("Host arguments mismatch (-got +want):\n%s", diff)
	}
	if l.procs[0].wasKilled() {
		t.Error("Host process was killed though it exited voluntarily")
	}
	if diff := cmp.Diff(logger.Logs(), []string{"[host] host started", "[host] host exiting; owner=true"}); diff != "" {
		t.Errorf("Host logs mismatch (-got +want):\n%s", diff)
	}
}

func TestProcessHostKilled(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)
	reg := newTestRegistry(t, nil)

	l := &fakeLauncher{start: func() *fakeProcess {
		return startFakeProcess(true, shimMain(reg, tracker))
	}}
	cfg := testConfig()
	cfg.JoinBeforeAbort = 10 * time.Millisecond
	f := &host.ProcessFactory{Launcher: l, Config: cfg, Tracker: tracker}

	h, err := f.CreateHost(ctx, &host.Setup{})
	if err != nil {
		t.Fatal("CreateHost failed: ", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Error("Close failed: ", err)
	}
	if !l.procs[0].wasKilled() {
		t.Error("Host process ignoring stdin was not killed")
	}
}

func TestProcessHostAbrupt(t *testing.T) {
	ctx := context.Background()

	l := &fakeLauncher{start: func() *fakeProcess {
		return startFakeProcess(false, func(stdin io.Reader, stdout, stderr io.Writer) error {
			fmt.Fprintln(stderr, "crashed")
			return errors.New("exit status 1")
		})
	}}
	f := &host.ProcessFactory{Launcher: l, Config: testConfig(), Tracker: newTracker(t)}

	_, err := f.CreateHost(ctx, &host.Setup{})
	var he *host.HostError
	if !errors.As(err, &he) {
		t.Fatalf("CreateHost returned %v; want *host.HostError", err)
	}
	if he.Reason != "the host process terminated abruptly" {
		t.Errorf("HostError reason = %q; want %q", he.Reason, "the host process terminated abruptly")
	}
	if !strings.Contains(err.Error(), "terminated abruptly") {
		t.Errorf("Unexpected error message: %v", err)
	}
}
