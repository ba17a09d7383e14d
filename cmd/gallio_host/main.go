// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements gallio_host, a host executable bundling the
// built-in diagnostic tasks. Projects with their own tasks build their own
// host executable with the bundle package.
package main

import (
	"os"

	"go.chromium.org/gallio/bundle"
)

func main() {
	os.Exit(bundle.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, nil))
}
