// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package link

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// recvFrame reads a frame from a gRPC stream. A canceled stream is reported
// as io.EOF since cancellation is how either side closes a link.
func recvFrame(stream grpc.Stream) (*Frame, error) {
	f := &Frame{}
	if err := stream.RecvMsg(f); err != nil {
		if status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, err
	}
	return f, nil
}

// clientStreamTransport carries frames over the client side of a gRPC
// bidirectional stream.
type clientStreamTransport struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// NewClientStreamTransport returns a Transport over stream. cancel must
// cancel the context the stream was opened with.
func NewClientStreamTransport(stream grpc.ClientStream, cancel context.CancelFunc) Transport {
	return &clientStreamTransport{stream: stream, cancel: cancel}
}

func (t *clientStreamTransport) SendFrame(f *Frame) error {
	return t.stream.SendMsg(f)
}

func (t *clientStreamTransport) RecvFrame() (*Frame, error) {
	return recvFrame(t.stream)
}

func (t *clientStreamTransport) Close() error {
	t.cancel()
	return nil
}

// ServerStreamTransport carries frames over the server side of a gRPC
// bidirectional stream.
//
// The stream handler must not return before Closing is closed or the
// endpoint using the transport is done; returning from the handler is what
// ends the stream.
type ServerStreamTransport struct {
	stream  grpc.ServerStream
	closing chan struct{}
	once    sync.Once
}

// NewServerStreamTransport returns a Transport over stream.
func NewServerStreamTransport(stream grpc.ServerStream) *ServerStreamTransport {
	return &ServerStreamTransport{stream: stream, closing: make(chan struct{})}
}

func (t *ServerStreamTransport) SendFrame(f *Frame) error {
	return t.stream.SendMsg(f)
}

func (t *ServerStreamTransport) RecvFrame() (*Frame, error) {
	return recvFrame(t.stream)
}

// Close asks the stream handler to return.
func (t *ServerStreamTransport) Close() error {
	t.once.Do(func() { close(t.closing) })
	return nil
}

// Closing returns a channel closed once Close is called.
func (t *ServerStreamTransport) Closing() <-chan struct{} {
	return t.closing
}
