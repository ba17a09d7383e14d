// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
	"google.golang.org/grpc"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/rpc"
	"go.chromium.org/gallio/internal/task"
)

// ErrNotInitialized is returned by the shim when a task is run before the
// runtime is initialized.
var ErrNotInitialized = errors.New("runtime is not initialized")

// Runtime describes the runtime bootstrapped in a host.
type Runtime struct {
	// Properties are the properties given on initialization.
	Properties map[string]string
	// WorkingDir is the working directory requested by the controller.
	WorkingDir string
}

type runtimeKey struct{}

// RuntimeFromContext returns the runtime of the host running the current
// isolated task.
func RuntimeFromContext(ctx context.Context) (*Runtime, bool) {
	rt, ok := ctx.Value(runtimeKey{}).(*Runtime)
	return rt, ok
}

// shimServer bootstraps the runtime and runs isolated tasks.
type shimServer struct {
	reg        *task.Registry
	onShutdown func()

	mu sync.Mutex
	rt *Runtime // nil until initialized
}

var _ rpc.ShimServer = (*shimServer)(nil)

// NewShimServer returns the shim service running tasks from reg.
// onShutdown, if not nil, is called after the runtime is shut down.
func NewShimServer(reg *task.Registry, onShutdown func()) rpc.ShimServer {
	return &shimServer{reg: reg, onShutdown: onShutdown}
}

// Initialize bootstraps the runtime unless it is already initialized.
func (s *shimServer) Initialize(ctx context.Context, req *rpc.InitializeRequest) (*rpc.InitializeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt != nil {
		return &rpc.InitializeResponse{AlreadyInitialized: true}, nil
	}
	rt := &Runtime{WorkingDir: req.WorkingDir, Properties: map[string]string{}}
	maps.Copy(rt.Properties, req.Properties)
	s.rt = rt
	logging.Debugf(ctx, "Runtime initialized with %d properties", len(rt.Properties))
	return &rpc.InitializeResponse{}, nil
}

func (s *shimServer) runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// RunTask runs a task. Task failures are returned as data in the response.
func (s *shimServer) RunTask(ctx context.Context, req *rpc.RunTaskRequest) (*rpc.RunTaskResponse, error) {
	rt := s.runtime()
	if rt == nil {
		return nil, ErrNotInitialized
	}
	ctx = context.WithValue(ctx, runtimeKey{}, rt)
	res, err := task.Execute(ctx, s.reg, req.TaskType, task.ArgsFromRaw(req.Args))
	if err != nil {
		return &rpc.RunTaskResponse{Error: task.ErrorInfo(err)}, nil
	}
	return &rpc.RunTaskResponse{Result: res.Raw()}, nil
}

// Shutdown tears down the runtime. A later Initialize bootstraps it again.
func (s *shimServer) Shutdown(ctx context.Context, req *rpc.Empty) (*rpc.Empty, error) {
	s.mu.Lock()
	s.rt = nil
	s.mu.Unlock()
	if s.onShutdown != nil {
		s.onShutdown()
	}
	return &rpc.Empty{}, nil
}

// Ping does nothing. Controllers call it to see whether the host is ready.
func (s *shimServer) Ping(ctx context.Context, req *rpc.Empty) (*rpc.Empty, error) {
	return &rpc.Empty{}, nil
}

// RegisterShim returns an rpc.RegisterFunc registering the shim service
// running tasks from reg.
func RegisterShim(reg *task.Registry, onShutdown func()) rpc.RegisterFunc {
	return func(srv *grpc.Server, req *rpc.HandshakeRequest) error {
		rpc.RegisterShimServer(srv, NewShimServer(reg, onShutdown))
		return nil
	}
}
