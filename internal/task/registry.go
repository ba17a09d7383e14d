// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package task

import (
	"regexp"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.chromium.org/gallio/errors"
)

// Names look like Go identifiers joined by dots, e.g. "example.Echo".
var nameRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

// Registry holds task factories keyed by task type name.
type Registry struct {
	mu        sync.Mutex
	factories map[string]func() Task
	errs      []error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Task)}
}

// Add registers newTask under name.
func (r *Registry) Add(name string, newTask func() Task) error {
	if !nameRegexp.MatchString(name) {
		return errors.Errorf("invalid task type name %q", name)
	}
	if newTask == nil {
		return errors.Errorf("task type %s has no factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Errorf("task type %s registered twice", name)
	}
	r.factories[name] = newTask
	return nil
}

// RecordError records an error that happened while registering tasks.
func (r *Registry) RecordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Errors returns errors recorded by RecordError.
func (r *Registry) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

// Names returns the sorted names of registered task types.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := maps.Keys(r.factories)
	slices.Sort(names)
	return names
}

// New creates a fresh task of type name.
func (r *Registry) New(name string) (Task, error) {
	r.mu.Lock()
	f, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("task type %s is not registered", name)
	}
	return f(), nil
}

var (
	globalMu       sync.Mutex
	globalRegistry = NewRegistry()
)

// GlobalRegistry returns the registry Register adds to.
func GlobalRegistry() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalRegistry
}

// SetGlobalRegistryForTesting replaces the global registry with reg. Call
// the returned function to restore the original one.
func SetGlobalRegistryForTesting(reg *Registry) (restore func()) {
	globalMu.Lock()
	defer globalMu.Unlock()
	orig := globalRegistry
	globalRegistry = reg
	return func() {
		globalMu.Lock()
		defer globalMu.Unlock()
		globalRegistry = orig
	}
}

// Register adds a task type to the global registry. It is typically called
// from init functions; registration errors are reported when a host starts.
func Register(name string, newTask func() Task) {
	reg := GlobalRegistry()
	if err := reg.Add(name, newTask); err != nil {
		reg.RecordError(err)
	}
}
