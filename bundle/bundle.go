// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

/*
Package bundle contains the functionality needed by host executables.

A host executable bundles isolated tasks. A controller runs it as a separate
process to run tasks away from the controller, either through the shim
subcommand (served over stdin/stdout) or the client subcommand (connected to
an isolation server over an IPC port).

A host executable registers its tasks, typically from init functions of the
packages defining them, and passes the status code returned by Main to
os.Exit:

	func init() {
		bundle.Register("example.Add", func() bundle.Task {
			return bundle.TaskFunc(func(ctx context.Context, args *bundle.Args) (interface{}, error) {
				var a, b int
				if err := args.Decode(0, &a); err != nil {
					return nil, err
				}
				if err := args.Decode(1, &b); err != nil {
					return nil, err
				}
				return a + b, nil
			})
		})
	}

	func main() {
		os.Exit(bundle.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, nil))
	}
*/
package bundle

import (
	"context"
	"io"

	"go.chromium.org/gallio/internal/bundle"
	"go.chromium.org/gallio/internal/host"
	"go.chromium.org/gallio/internal/task"
)

// Task is an isolated task.
type Task = task.Task

// TaskFunc adapts a function to Task.
type TaskFunc = task.Func

// Args holds the JSON-encoded arguments of a task.
type Args = task.Args

// Registry holds tasks by name.
type Registry = task.Registry

// Runtime describes the runtime a host was initialized with.
type Runtime = host.Runtime

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return task.NewRegistry()
}

// Register adds a task to the global registry. Registration errors are
// reported by Main.
func Register(name string, newTask func() Task) {
	task.Register(name, newTask)
}

// RuntimeFromContext returns the runtime of the host a task runs in.
func RuntimeFromContext(ctx context.Context) (*Runtime, bool) {
	return host.RuntimeFromContext(ctx)
}

// Main implements the main function of a host executable serving the tasks
// of reg, or of the global registry if reg is nil.
//
// clArgs should typically be os.Args[1:]. The returned status code should be
// passed to os.Exit.
func Main(clArgs []string, stdin io.Reader, stdout, stderr io.Writer, reg *Registry) int {
	return bundle.Main(clArgs, stdin, stdout, stderr, reg)
}
