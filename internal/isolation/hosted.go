// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/host"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/rpc"
	"go.chromium.org/gallio/internal/task"
	"go.chromium.org/gallio/internal/usercode"
)

// Status texts reported while running isolated tasks in hosts.
const (
	StatusCreatingHost        = "Creating test host."
	StatusInitializingRuntime = "Initializing the runtime."
	StatusShuttingDownRuntime = "Shutting down the runtime."
	StatusDisposingHost       = "Disposing test host."
)

const disposeGracePeriod = 5 * time.Second

// StatusReporter receives progress of isolated task runs. An empty status
// means the previous one is over. It is called synchronously and should not
// block.
type StatusReporter func(status string)

// HostedContext runs isolated tasks in hosts created by a factory.
type HostedContext struct {
	factory host.Factory
	opts    *options
}

// NewHostedContext creates a HostedContext creating hosts with factory.
func NewHostedContext(factory host.Factory, opts ...Option) *HostedContext {
	return &HostedContext{factory: factory, opts: newOptions(opts)}
}

// RunIsolatedTask runs a task of type taskType with args in a new host
// described by setup. The host is disposed before this method returns.
//
// A failure of the task itself is returned as *task.ModelError. Loss of the
// host while the task runs is returned as *TestIsolationError.
func (c *HostedContext) RunIsolatedTask(ctx context.Context, taskType string, setup *host.Setup, status StatusReporter, args ...interface{}) (task.Result, error) {
	if setup == nil || status == nil {
		return task.Result{}, errors.Wrap(ErrNilArgument, "setup and status are required")
	}
	a, err := task.NewArgs(args...)
	if err != nil {
		return task.Result{}, err
	}

	h, err := c.openHost(ctx, setup.WithProperties(c.opts.properties), status)
	if err != nil {
		return task.Result{}, err
	}
	defer c.closeHost(ctx, h, status)

	return c.runTask(ctx, h, taskType, a)
}

// openHost creates a host and initializes its runtime.
func (c *HostedContext) openHost(ctx context.Context, setup *host.Setup, status StatusReporter) (host.Host, error) {
	status(StatusCreatingHost)
	h, err := c.factory.CreateHost(ctx, setup)
	c.opts.metrics.hostCreated(err)
	if err != nil {
		status("")
		return nil, newIsolationError("failed to create test host", err)
	}

	status(StatusInitializingRuntime)
	_, err = h.Shim().Initialize(ctx, &rpc.InitializeRequest{
		Properties: setup.Properties,
		WorkingDir: setup.WorkingDir,
	})
	status("")
	if err != nil {
		c.disposeHost(ctx, h, status)
		return nil, newIsolationError("failed to initialize the runtime", err)
	}
	return h, nil
}

// closeHost shuts down the runtime of h and disposes it. Failures are
// reported as unhandled errors and never returned.
func (c *HostedContext) closeHost(ctx context.Context, h host.Host, status StatusReporter) {
	status(StatusShuttingDownRuntime)
	sctx, cancel := context.WithTimeout(ctx, c.opts.shutdownTimeout)
	if _, err := h.Shim().Shutdown(sctx, &rpc.Empty{}); err != nil {
		logging.Infof(ctx, "Failed to shut down the runtime: %v", err)
	}
	cancel()
	status("")

	c.disposeHost(ctx, h, status)
}

func (c *HostedContext) disposeHost(ctx context.Context, h host.Host, status StatusReporter) {
	status(StatusDisposingHost)
	const desc = "Disposing test host"
	if err := usercode.SafeCall(ctx, c.opts.clk, desc, c.opts.disposeTimeout, disposeGracePeriod,
		usercode.ReportOnPanic(ctx, desc), func(ctx context.Context) {
			if err := h.Close(ctx); err != nil {
				usercode.ReportUnhandled(ctx, desc, err)
			}
		}); err != nil {
		usercode.ReportUnhandled(ctx, desc, err)
	}
	status("")
}

// runTask runs a task in h, giving up as soon as h is disconnected.
func (c *HostedContext) runTask(ctx context.Context, h host.Host, taskType string, args *task.Args) (task.Result, error) {
	type outcome struct {
		res *rpc.RunTaskResponse
		err error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := h.Shim().RunTask(ctx, &rpc.RunTaskRequest{TaskType: taskType, Args: args.Raw()})
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if isDisconnected(h) || grpcstatus.Code(o.err) == codes.Unavailable {
				return task.Result{}, c.disconnected(o.err)
			}
			return task.Result{}, newIsolationError("failed to run isolated task "+taskType, o.err)
		}
		if o.res.Error != nil {
			return task.Result{}, task.FromErrorInfo(taskType, o.res.Error)
		}
		return task.ResultFromRaw(o.res.Result), nil
	case <-h.Disconnected():
		return task.Result{}, c.disconnected(nil)
	case <-ctx.Done():
		return task.Result{}, newIsolationError("isolated task "+taskType+" was abandoned", ctx.Err())
	}
}

func (c *HostedContext) disconnected(cause error) error {
	c.opts.metrics.hostDisconnects.Inc()
	return newIsolationError("host disconnected or was terminated prematurely", cause)
}

func isDisconnected(h host.Host) bool {
	select {
	case <-h.Disconnected():
		return true
	default:
		return false
	}
}

// Batch runs isolated tasks in hosts shared across tasks. Tasks with equal
// host setups run in the same host until End is called.
type Batch struct {
	c      *HostedContext
	status StatusReporter

	openMu sync.Mutex // serializes host creation

	mu    sync.Mutex
	hosts map[string]host.Host
	ended bool
}

// ErrBatchEnded is returned when a batch is used after End.
var ErrBatchEnded = errors.New("batch has ended")

// BeginBatch starts a batch reporting progress to status.
func (c *HostedContext) BeginBatch(status StatusReporter) (*Batch, error) {
	if status == nil {
		return nil, errors.Wrap(ErrNilArgument, "status is required")
	}
	return &Batch{c: c, status: status, hosts: make(map[string]host.Host)}, nil
}

// RunIsolatedTask runs a task in the host of the batch matching setup,
// creating one if needed. A host lost during the task is evicted.
func (b *Batch) RunIsolatedTask(ctx context.Context, taskType string, setup *host.Setup, args ...interface{}) (task.Result, error) {
	if setup == nil {
		return task.Result{}, errors.Wrap(ErrNilArgument, "setup is required")
	}
	a, err := task.NewArgs(args...)
	if err != nil {
		return task.Result{}, err
	}

	h, err := b.host(ctx, setup.WithProperties(b.c.opts.properties))
	if err != nil {
		return task.Result{}, err
	}

	res, err := b.c.runTask(ctx, h, taskType, a)
	if isDisconnected(h) {
		b.evict(h)
		b.c.disposeHost(ctx, h, b.status)
	}
	return res, err
}

// host returns the live host for setup, creating one if needed.
func (b *Batch) host(ctx context.Context, setup *host.Setup) (host.Host, error) {
	key := setup.Key()

	b.openMu.Lock()
	defer b.openMu.Unlock()

	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return nil, ErrBatchEnded
	}
	h, ok := b.hosts[key]
	b.mu.Unlock()
	if ok && !isDisconnected(h) {
		return h, nil
	}
	if ok {
		b.evict(h)
		b.c.disposeHost(ctx, h, b.status)
	}

	h, err := b.c.openHost(ctx, setup, b.status)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.hosts[key] = h
	b.mu.Unlock()
	return h, nil
}

func (b *Batch) evict(h host.Host) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.hosts {
		if v == h {
			delete(b.hosts, k)
		}
	}
}

// End shuts down and disposes every host of the batch. It is a no-op if
// the batch has already ended.
func (b *Batch) End(ctx context.Context) {
	b.openMu.Lock()
	defer b.openMu.Unlock()

	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.ended = true
	hosts := b.hosts
	b.hosts = nil
	b.mu.Unlock()

	for _, h := range hosts {
		b.c.closeHost(ctx, h, b.status)
	}
}
