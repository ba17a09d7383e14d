// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package host creates and supervises isolated hosts, the environments
// isolated tasks run in.
//
// A host exposes a shim service (see rpc.ShimServer) through which the
// controller bootstraps the runtime of the host and runs tasks. Hosts are
// created by a Factory: LocalFactory serves the shim in the controller
// process, ProcessFactory runs the gallio_host executable locally or on a
// remote machine over SSH.
package host

import (
	"context"

	"go.chromium.org/gallio/internal/rpc"
)

// Host is a live isolated host.
type Host interface {
	// Shim returns the client of the shim service of the host.
	Shim() rpc.ShimClient
	// Disconnected returns a channel closed when the host goes away, e.g.
	// because its process terminated.
	Disconnected() <-chan struct{}
	// Close disposes the host. It may be called after the host was
	// disconnected.
	Close(ctx context.Context) error
}

// Factory creates hosts.
type Factory interface {
	CreateHost(ctx context.Context, setup *Setup) (Host, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, setup *Setup) (Host, error)

// CreateHost calls f.
func (f FactoryFunc) CreateHost(ctx context.Context, setup *Setup) (Host, error) {
	return f(ctx, setup)
}

// HostError is returned when a host could not be created or attached to.
type HostError struct {
	// Reason describes the failure.
	Reason string
	cause  error
}

func newHostError(reason string, cause error) *HostError {
	return &HostError{Reason: reason, cause: cause}
}

func (e *HostError) Error() string {
	if e.cause == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.cause.Error()
}

// Unwrap returns the underlying error, if any.
func (e *HostError) Unwrap() error {
	return e.cause
}
