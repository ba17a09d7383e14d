// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"encoding/json"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Setup describes the host to create for isolated tasks.
//
// Setup values are never mutated by this package; functions that need a
// different setup return a modified copy.
type Setup struct {
	// Properties are passed to the runtime of the host on initialization.
	Properties map[string]string `json:"properties,omitempty"`
	// WorkingDir is the working directory of the host. Empty means the
	// directory of the controller.
	WorkingDir string `json:"workingDir,omitempty"`
	// Env lists extra environment variables of a host process in the
	// "key=value" form.
	Env []string `json:"env,omitempty"`
	// Debug asks the host to log at the debug level.
	Debug bool `json:"debug,omitempty"`
}

// Copy returns a deep copy of s.
func (s *Setup) Copy() *Setup {
	c := *s
	if s.Properties != nil {
		c.Properties = maps.Clone(s.Properties)
	}
	c.Env = slices.Clone(s.Env)
	return &c
}

// WithProperties returns a copy of s with props merged into its properties.
// Values in props win over the existing ones.
func (s *Setup) WithProperties(props map[string]string) *Setup {
	c := s.Copy()
	if len(props) == 0 {
		return c
	}
	if c.Properties == nil {
		c.Properties = make(map[string]string, len(props))
	}
	maps.Copy(c.Properties, props)
	return c
}

// Key returns a string identifying the host s describes. Two setups with the
// same key can share a host.
func (s *Setup) Key() string {
	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}
