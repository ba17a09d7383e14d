// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"io"
	"net"
	"os"

	"google.golang.org/grpc"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/control"
	"go.chromium.org/gallio/internal/logging"
	"go.chromium.org/gallio/internal/testcontext"
)

// HandshakeRequest is the first message sent by the controller to an
// isolated host over its standard input.
type HandshakeRequest struct {
	Properties map[string]string `json:"properties,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	// OwnerPID is the pid of the controller process, or 0 if the host runs
	// on another machine.
	OwnerPID int `json:"ownerPid,omitempty"`
}

// HandshakeResponse is the reply to HandshakeRequest.
type HandshakeResponse struct {
	Error *control.ErrorInfo `json:"error,omitempty"`
}

// RegisterFunc registers services to srv according to req.
type RegisterFunc func(srv *grpc.Server, req *HandshakeRequest) error

// RunServer runs a gRPC server on r/w channels after completing the
// handshake. It blocks until the client connection is closed or it
// encounters an error.
func RunServer(r io.Reader, w io.Writer, logger logging.Logger, tracker *testcontext.Tracker, register RegisterFunc) error {
	srv := grpc.NewServer(ServerOptions(logger, tracker)...)
	if err := prepareServer(r, w, srv, register); err != nil {
		return err
	}
	if err := srv.Serve(newStreamListener(r, w)); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// prepareServer obtains the handshake request from the client and answers
// it once services are registered.
func prepareServer(r io.Reader, w io.Writer, srv *grpc.Server, register RegisterFunc) error {
	req := &HandshakeRequest{}
	err := receiveRawMessage(r, req)
	if err == nil {
		err = register(srv, req)
	}
	res := &HandshakeResponse{}
	if err != nil {
		res.Error = &control.ErrorInfo{Reason: err.Error()}
	}
	if serr := sendRawMessage(w, res); serr != nil && err == nil {
		err = serr
	}
	return err
}

// ListenUnix listens on a unix socket at path, removing a stale socket
// file first.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to remove stale socket %s", path)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", path)
	}
	return lis, nil
}
