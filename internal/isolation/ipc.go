// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package isolation

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/link"
	"go.chromium.org/gallio/internal/rpc"
	"go.chromium.org/gallio/internal/testcontext"
)

// ErrListenerClosed is returned by Listener.Accept after Close.
var ErrListenerClosed = errors.New("listener is closed")

// Listener accepts message exchange links from isolation clients.
//
// It serves the link service named after guid on the server callback
// channel of an IPC port, a unix socket in a directory shared with clients.
type Listener struct {
	path string
	srv  *grpc.Server
	opts *options
	g    errgroup.Group

	links chan *Accepted

	closeOnce sync.Once
	closed    chan struct{}
}

// Accepted is a link accepted by a Listener.
type Accepted struct {
	*link.Endpoint
	// ClientPort is the client callback channel name announced by the
	// client, if any.
	ClientPort string
}

// Listen starts accepting links in dir for port and guid.
func Listen(ctx context.Context, dir, port, guid string, tracker *testcontext.Tracker, opts ...Option) (*Listener, error) {
	path := rpc.SocketPath(dir, rpc.ServerCallbackName(port))
	lis, err := rpc.ListenUnix(path)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		path:   path,
		srv:    grpc.NewServer(rpc.ServerOptions(nil, tracker)...),
		opts:   newOptions(opts),
		links:  make(chan *Accepted),
		closed: make(chan struct{}),
	}
	rpc.RegisterLinkServer(l.srv, guid, l)
	l.g.Go(func() error {
		return l.srv.Serve(lis)
	})
	return l, nil
}

// Exchange implements rpc.LinkServer.
func (l *Listener) Exchange(stream grpc.ServerStream) error {
	tr := link.NewServerStreamTransport(stream)
	ep := link.NewEndpoint(tr, l.opts.clk)
	port, _ := rpc.ClientPort(stream.Context())

	select {
	case l.links <- &Accepted{Endpoint: ep, ClientPort: port}:
	case <-l.closed:
		return nil
	}

	select {
	case <-tr.Closing():
	case <-ep.Done():
	case <-l.closed:
	}
	return nil
}

// Accept waits for a client to open a link.
func (l *Listener) Accept(ctx context.Context) (*Accepted, error) {
	select {
	case a := <-l.links:
		return a, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting links, ends accepted ones and removes the socket.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	l.srv.Stop()
	err := l.g.Wait()
	if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}

// Conn is the client side of a link opened by Dial.
type Conn struct {
	*link.Endpoint
	cc *grpc.ClientConn
}

// Close closes the link and the connection.
func (c *Conn) Close() error {
	c.Endpoint.Close()
	return c.cc.Close()
}

// Dial opens a link to a Listener listening in dir for port and guid.
func Dial(ctx context.Context, dir, port, guid string, tracker *testcontext.Tracker, opts ...Option) (*Conn, error) {
	o := newOptions(opts)
	cc, err := rpc.DialUnix(ctx, rpc.SocketPath(dir, rpc.ServerCallbackName(port)), tracker)
	if err != nil {
		return nil, newIsolationError("failed to connect to the isolation server", err)
	}

	sctx, cancel := context.WithCancel(rpc.WithClientPort(context.Background(), rpc.ClientCallbackName(port)))
	stream, err := rpc.OpenLink(sctx, cc, guid)
	if err != nil {
		cancel()
		cc.Close()
		return nil, newIsolationError("failed to open the message exchange link", err)
	}
	ep := link.NewEndpoint(link.NewClientStreamTransport(stream, cancel), o.clk)
	return &Conn{Endpoint: ep, cc: cc}, nil
}
