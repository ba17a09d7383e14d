// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/testcontext"
)

// Keys of metadata.MD. Allowed characters are [a-z0-9._-].
const (
	metadataContextLink = "gallio-testcontext-link"
	metadataClientPort  = "gallio-client-port"
)

// outgoingMetadata extracts the current test context link from ctx and
// converts it to metadata.MD.
func outgoingMetadata(ctx context.Context, tracker *testcontext.Tracker) metadata.MD {
	md := metadata.MD{}
	if id, ok := tracker.LinkID(ctx); ok {
		md[metadataContextLink] = []string{id}
	}
	return md
}

// incomingContext resumes the test context link named in the incoming
// metadata of ctx. Links are only known within a process, so a call coming
// from another process runs without a current test context. The returned
// function must be called when the call is over.
func incomingContext(ctx context.Context, tracker *testcontext.Tracker, method string) (context.Context, func()) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, func() {}
	}
	ids := md.Get(metadataContextLink)
	if len(ids) != 1 {
		return ctx, func() {}
	}
	rctx, w, err := tracker.Resume(ctx, ids[0], method)
	if err != nil {
		logging.Debugf(ctx, "Calling %s without a test context: %v", method, err)
		return ctx, func() {}
	}
	return rctx, w.End
}

// ClientPort returns the client port name sent with the call of ctx, if any.
func ClientPort(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vs := md.Get(metadataClientPort)
	if len(vs) != 1 {
		return "", false
	}
	return vs[0], true
}

// WithClientPort returns a context that sends port as the client port name
// with every call.
func WithClientPort(ctx context.Context, port string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, metadataClientPort, port)
}

// serverStreamWithContext wraps grpc.ServerStream with overriding Context.
type serverStreamWithContext struct {
	grpc.ServerStream
	ctx context.Context
}

// Context overrides grpc.ServerStream.Context.
func (s *serverStreamWithContext) Context() context.Context {
	return s.ctx
}

var _ grpc.ServerStream = (*serverStreamWithContext)(nil)

// ServerOptions returns options for gRPC servers of isolated hosts and
// isolation servers. If logger is not nil, it is attached to the context of
// every call.
func ServerOptions(logger logging.Logger, tracker *testcontext.Tracker) []grpc.ServerOption {
	before := func(ctx context.Context) context.Context {
		if logger == nil {
			return ctx
		}
		return logging.AttachLoggerNoPropagation(ctx, logger)
	}

	return []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			ctx, end := incomingContext(before(ctx), tracker, info.FullMethod)
			defer end()
			return handler(ctx, req)
		}),
		grpc.StreamInterceptor(func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			ctx, end := incomingContext(before(stream.Context()), tracker, info.FullMethod)
			defer end()
			return handler(srv, &serverStreamWithContext{stream, ctx})
		}),
	}
}

// DialOptions returns options for gRPC clients talking to servers created
// with ServerOptions.
func DialOptions(tracker *testcontext.Tracker) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithUnaryInterceptor(func(ctx context.Context, method string, req, reply interface{},
			cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			ctx = metadata.NewOutgoingContext(ctx, metadata.Join(outgoingFrom(ctx), outgoingMetadata(ctx, tracker)))
			return invoker(ctx, method, req, reply, cc, opts...)
		}),
		grpc.WithStreamInterceptor(func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn,
			method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			ctx = metadata.NewOutgoingContext(ctx, metadata.Join(outgoingFrom(ctx), outgoingMetadata(ctx, tracker)))
			return streamer(ctx, desc, cc, method, opts...)
		}),
	}
}

func outgoingFrom(ctx context.Context) metadata.MD {
	md, _ := metadata.FromOutgoingContext(ctx)
	return md
}
