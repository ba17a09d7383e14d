// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"io"
	"sync"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/rpc"
	"go.chromium.org/gallio/internal/task"
	"go.chromium.org/gallio/internal/testcontext"
)

// LocalFactory creates hosts serving the shim on goroutines of the current
// process. Arguments and results still cross a gRPC connection, so tasks
// behave as they do in a host process. The current test context of the
// caller stays current while a task runs.
type LocalFactory struct {
	// Registry holds the tasks hosts can run. The global registry is used
	// if nil.
	Registry *task.Registry
	// Tracker propagates test contexts into tasks. The default tracker is
	// used if nil.
	Tracker *testcontext.Tracker
	// Logger, if not nil, receives logs of the host.
	Logger logging.Logger
}

var _ Factory = (*LocalFactory)(nil)

// CreateHost starts a new local host.
func (f *LocalFactory) CreateHost(ctx context.Context, setup *Setup) (Host, error) {
	reg := f.Registry
	if reg == nil {
		reg = task.GlobalRegistry()
	}
	tracker := f.Tracker
	if tracker == nil {
		tracker = testcontext.DefaultTracker()
	}

	sr, cw := io.Pipe()
	cr, sw := io.Pipe()
	h := &LocalHost{
		pipes:        []interface{ CloseWithError(error) error }{sr, sw, cr, cw},
		disconnected: make(chan struct{}),
		served:       make(chan struct{}),
	}

	go func() {
		defer close(h.served)
		if err := rpc.RunServer(sr, sw, f.Logger, tracker, RegisterShim(reg, nil)); err != nil {
			logging.Debugf(ctx, "Local host stopped: %v", err)
		}
		sw.Close()
		h.markDisconnected()
	}()

	cl, err := rpc.NewClient(ctx, cr, cw, &rpc.HandshakeRequest{
		Properties: setup.Properties,
		WorkingDir: setup.WorkingDir,
	}, tracker, func(context.Context) error {
		return cw.Close()
	})
	if err != nil {
		h.Disconnect()
		<-h.served
		return nil, newHostError("failed to attach to the local host", err)
	}
	h.client = cl
	h.shim = rpc.NewShimClient(cl.Conn)
	return h, nil
}

// LocalHost is a host created by LocalFactory.
type LocalHost struct {
	client *rpc.Client
	shim   rpc.ShimClient
	pipes  []interface{ CloseWithError(error) error }

	once         sync.Once
	disconnected chan struct{}
	served       chan struct{} // closed when the server goroutine returns
}

var _ Host = (*LocalHost)(nil)

// Shim returns the shim client.
func (h *LocalHost) Shim() rpc.ShimClient {
	return h.shim
}

// Disconnected returns a channel closed when the host goes away.
func (h *LocalHost) Disconnected() <-chan struct{} {
	return h.disconnected
}

func (h *LocalHost) markDisconnected() {
	h.once.Do(func() { close(h.disconnected) })
}

// Disconnect severs the connection to the host as if its process crashed.
// Calls in flight fail.
func (h *LocalHost) Disconnect() {
	h.markDisconnected()
	for _, p := range h.pipes {
		p.CloseWithError(errors.New("local host disconnected"))
	}
}

// Close shuts the host down and waits for its server to stop.
func (h *LocalHost) Close(ctx context.Context) error {
	err := h.client.Close(ctx)
	select {
	case <-h.served:
	case <-ctx.Done():
		h.Disconnect()
		return ctx.Err()
	}
	return err
}
