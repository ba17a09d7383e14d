// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"path/filepath"

	"github.com/google/uuid"
)

// NewPortName returns a fresh IPC port name.
func NewPortName() string {
	return "gallio-" + uuid.NewString()
}

// ClientCallbackName returns the name of the client callback channel of port.
func ClientCallbackName(port string) string {
	return port + ".ClientCallback"
}

// ServerCallbackName returns the name of the server callback channel of port.
func ServerCallbackName(port string) string {
	return port + ".ServerCallback"
}

// LinkServiceName returns the gRPC service name of the message exchange link
// identified by guid.
func LinkServiceName(guid string) string {
	return "TestIsolationServer.MessageExchangeLink." + guid
}

// SocketPath returns the path of the unix socket of channel in dir.
func SocketPath(dir, channel string) string {
	return filepath.Join(dir, channel+".sock")
}
