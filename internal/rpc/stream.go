// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"

	"go.chromium.org/gallio/errors"
)

// errNoDeadline is returned by the deadline setters of host stream
// connections.
var errNoDeadline = errors.New("host streams do not support deadlines")

// streamAddr names the standard streams of a host process.
type streamAddr struct{}

func (streamAddr) Network() string { return "host" }
func (streamAddr) String() string  { return "stdio" }

// streamConn carries gRPC traffic over the standard streams of a host
// process.
type streamConn struct {
	io.Reader
	io.Writer

	once    sync.Once
	onClose func() // may be nil
}

var _ net.Conn = (*streamConn)(nil)

// Close runs onClose once. Later calls are no-ops.
func (c *streamConn) Close() error {
	c.once.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

func (*streamConn) LocalAddr() net.Addr              { return streamAddr{} }
func (*streamConn) RemoteAddr() net.Addr             { return streamAddr{} }
func (*streamConn) SetDeadline(time.Time) error      { return errNoDeadline }
func (*streamConn) SetReadDeadline(time.Time) error  { return errNoDeadline }
func (*streamConn) SetWriteDeadline(time.Time) error { return errNoDeadline }

// streamListener hands out a single connection over the standard streams
// of a host process. Once that connection is closed, Accept returns io.EOF,
// which ends grpc.Server.Serve.
type streamListener struct {
	conns chan net.Conn
}

var _ net.Listener = (*streamListener)(nil)

func newStreamListener(r io.Reader, w io.Writer) *streamListener {
	conns := make(chan net.Conn, 1)
	conns <- &streamConn{Reader: r, Writer: w, onClose: func() { close(conns) }}
	return &streamListener{conns: conns}
}

func (l *streamListener) Accept() (net.Conn, error) {
	conn, ok := <-l.conns
	if !ok {
		return nil, io.EOF
	}
	return conn, nil
}

func (*streamListener) Close() error   { return nil }
func (*streamListener) Addr() net.Addr { return streamAddr{} }

// dialStream connects to the shim server of a host process whose standard
// input is w and standard output is r.
func dialStream(ctx context.Context, r io.Reader, w io.Writer, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialer := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return &streamConn{Reader: r, Writer: w}, nil
	})
	return grpc.DialContext(ctx, "passthrough:///host", append([]grpc.DialOption{dialer}, opts...)...)
}
