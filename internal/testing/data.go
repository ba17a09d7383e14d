// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testing

import "sync"

// UserData is an arbitrary key-value bag attached to a context.
type UserData struct {
	mu sync.Mutex
	m  map[string]interface{}
}

// Get returns the value stored for key.
func (d *UserData) Get(key string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.m[key]
	return v, ok
}

// Set stores value for key.
func (d *UserData) Set(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = make(map[string]interface{})
	}
	d.m[key] = value
}

// Remove deletes key.
func (d *UserData) Remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, key)
}
