// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testing implements the live state of running test steps and the
// messages they publish.
package testing

import (
	"sync"

	"github.com/google/uuid"

	"go.chromium.org/gallio/internal/control"
)

// Step identifies one unit of execution in a tree of steps
// (assembly, fixture, test, sub-step).
type Step struct {
	ID           string
	ParentID     string
	Name         string
	FullName     string
	CodeLocation string
	// IsPrimary is set for the primary step of a test, as opposed to
	// dynamically created sub-steps.
	IsPrimary  bool
	IsTestCase bool

	mu       sync.Mutex
	metadata map[string][]string
}

// NewStep creates a step with a fresh id. parent may be nil for a root step.
func NewStep(parent *Step, name, codeLocation string) *Step {
	s := &Step{
		ID:           uuid.NewString(),
		Name:         name,
		FullName:     name,
		CodeLocation: codeLocation,
	}
	if parent != nil {
		s.ParentID = parent.ID
		s.FullName = parent.FullName + "/" + name
	}
	return s
}

// AddMetadata appends value to the metadata entry key.
func (s *Step) AddMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string][]string)
	}
	s.metadata[key] = append(s.metadata[key], value)
}

// Metadata returns a copy of the metadata of s.
func (s *Step) Metadata() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.metadata) == 0 {
		return nil
	}
	md := make(map[string][]string, len(s.metadata))
	for k, vs := range s.metadata {
		md[k] = append([]string(nil), vs...)
	}
	return md
}

// Info returns a snapshot of s suitable for messages.
func (s *Step) Info() control.StepInfo {
	return control.StepInfo{
		ID:           s.ID,
		ParentID:     s.ParentID,
		Name:         s.Name,
		FullName:     s.FullName,
		CodeLocation: s.CodeLocation,
		IsPrimary:    s.IsPrimary,
		IsTestCase:   s.IsTestCase,
		Metadata:     s.Metadata(),
	}
}
