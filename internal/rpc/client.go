// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"context"
	"io"
	"path/filepath"

	"google.golang.org/grpc"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/testcontext"
)

// Client owns a gRPC connection to an isolated host.
type Client struct {
	// Conn is the gRPC connection. Use this to create service stubs.
	Conn *grpc.ClientConn

	// clean is a function to be called on closing the client.
	// For a host process, this function should close its standard input
	// so that the host exits.
	clean func(context.Context) error
}

// Close closes this client.
func (c *Client) Close(ctx context.Context) error {
	var firstErr error
	if err := c.Conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.clean(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// NewClient establishes a gRPC connection to a host served by RunServer
// using r and w.
//
// When this function succeeds, clean is called in Client.Close. Otherwise it
// is called before this function returns.
func NewClient(ctx context.Context, r io.Reader, w io.Writer, req *HandshakeRequest, tracker *testcontext.Tracker, clean func(context.Context) error) (_ *Client, retErr error) {
	defer func() {
		if retErr != nil {
			clean(ctx)
		}
	}()

	if err := sendRawMessage(w, req); err != nil {
		return nil, errors.Wrap(err, "failed to send handshake")
	}
	res := &HandshakeResponse{}
	if err := receiveRawMessage(r, res); err != nil {
		return nil, errors.Wrap(err, "failed to receive handshake")
	}
	if res.Error != nil {
		return nil, errors.Errorf("host returned error: %s", res.Error.Reason)
	}

	conn, err := dialStream(ctx, r, w, DialOptions(tracker)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to establish RPC connection")
	}
	return &Client{Conn: conn, clean: clean}, nil
}

// DialUnix connects to a gRPC server listening on the unix socket at path.
func DialUnix(ctx context.Context, path string, tracker *testcontext.Tracker) (*grpc.ClientConn, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.DialContext(ctx, "unix://"+abs, DialOptions(tracker)...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", abs)
	}
	return conn, nil
}
