// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"go.chromium.org/gallio/internal/control"
)

// Empty is a message with no fields.
type Empty struct{}

// InitializeRequest asks a shim to bootstrap the runtime of its host.
type InitializeRequest struct {
	Properties map[string]string `json:"properties,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
}

// InitializeResponse is the response to InitializeRequest.
type InitializeResponse struct {
	// AlreadyInitialized is set if the runtime was bootstrapped before.
	AlreadyInitialized bool `json:"alreadyInitialized,omitempty"`
}

// RunTaskRequest asks a shim to run a registered isolated task.
type RunTaskRequest struct {
	TaskType string            `json:"taskType"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

// RunTaskResponse carries either the result of a task or the failure.
type RunTaskResponse struct {
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *control.ErrorInfo `json:"error,omitempty"`
}

// ShimServer is the runtime bootstrap service exposed by an isolated host.
type ShimServer interface {
	Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error)
	RunTask(ctx context.Context, req *RunTaskRequest) (*RunTaskResponse, error)
	Shutdown(ctx context.Context, req *Empty) (*Empty, error)
	Ping(ctx context.Context, req *Empty) (*Empty, error)
}

// ShimClient is the client side of ShimServer.
type ShimClient interface {
	Initialize(ctx context.Context, req *InitializeRequest, opts ...grpc.CallOption) (*InitializeResponse, error)
	RunTask(ctx context.Context, req *RunTaskRequest, opts ...grpc.CallOption) (*RunTaskResponse, error)
	Shutdown(ctx context.Context, req *Empty, opts ...grpc.CallOption) (*Empty, error)
	Ping(ctx context.Context, req *Empty, opts ...grpc.CallOption) (*Empty, error)
}

const shimServiceName = "gallio.host.Shim"

type shimClient struct {
	cc grpc.ClientConnInterface
}

// NewShimClient returns a ShimClient calling over cc.
func NewShimClient(cc grpc.ClientConnInterface) ShimClient {
	return &shimClient{cc: cc}
}

func (c *shimClient) Initialize(ctx context.Context, req *InitializeRequest, opts ...grpc.CallOption) (*InitializeResponse, error) {
	res := &InitializeResponse{}
	if err := c.cc.Invoke(ctx, "/"+shimServiceName+"/Initialize", req, res, opts...); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *shimClient) RunTask(ctx context.Context, req *RunTaskRequest, opts ...grpc.CallOption) (*RunTaskResponse, error) {
	res := &RunTaskResponse{}
	if err := c.cc.Invoke(ctx, "/"+shimServiceName+"/RunTask", req, res, opts...); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *shimClient) Shutdown(ctx context.Context, req *Empty, opts ...grpc.CallOption) (*Empty, error) {
	res := &Empty{}
	if err := c.cc.Invoke(ctx, "/"+shimServiceName+"/Shutdown", req, res, opts...); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *shimClient) Ping(ctx context.Context, req *Empty, opts ...grpc.CallOption) (*Empty, error) {
	res := &Empty{}
	if err := c.cc.Invoke(ctx, "/"+shimServiceName+"/Ping", req, res, opts...); err != nil {
		return nil, err
	}
	return res, nil
}

// unaryHandler builds a grpc.MethodDesc handler for a method of ShimServer.
func unaryHandler[Req, Res any](method string, call func(srv ShimServer, ctx context.Context, req *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ShimServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + shimServiceName + "/" + method,
			}
			return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ShimServer), ctx, req.(*Req))
			})
		},
	}
}

var shimServiceDesc = grpc.ServiceDesc{
	ServiceName: shimServiceName,
	HandlerType: (*ShimServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Initialize", ShimServer.Initialize),
		unaryHandler("RunTask", ShimServer.RunTask),
		unaryHandler("Shutdown", ShimServer.Shutdown),
		unaryHandler("Ping", ShimServer.Ping),
	},
}

// RegisterShimServer registers srv to s.
func RegisterShimServer(s *grpc.Server, srv ShimServer) {
	s.RegisterService(&shimServiceDesc, srv)
}
