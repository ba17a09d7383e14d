// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"

	"go.chromium.org/gallio/bundle"
)

// HostInfo is the result of the gallio.HostInfo task.
type HostInfo struct {
	PID        int               `json:"pid"`
	Hostname   string            `json:"hostname"`
	WorkingDir string            `json:"workingDir"`
	Properties map[string]string `json:"properties,omitempty"`
}

func init() {
	bundle.Register("gallio.HostInfo", func() bundle.Task {
		return bundle.TaskFunc(hostInfo)
	})
	bundle.Register("gallio.Echo", func() bundle.Task {
		return bundle.TaskFunc(echo)
	})
}

// hostInfo describes the host process the task runs in.
func hostInfo(ctx context.Context, args *bundle.Args) (interface{}, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	info := &HostInfo{PID: os.Getpid(), Hostname: hostname, WorkingDir: wd}
	if rt, ok := bundle.RuntimeFromContext(ctx); ok {
		info.Properties = rt.Properties
	}
	return info, nil
}

// echo returns its first argument.
func echo(ctx context.Context, args *bundle.Args) (interface{}, error) {
	if args.Len() == 0 {
		return nil, nil
	}
	return args.Raw()[0], nil
}
