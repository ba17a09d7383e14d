// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// \w is [0-9A-Za-z_]. A leading equals sign is unsafe in zsh.
	leadingSafeChars  = `-\w@%+:,./`
	trailingSafeChars = leadingSafeChars + "="
)

// safeArgRE matches an argument that needs no quoting in a shell command.
var safeArgRE = regexp.MustCompile(fmt.Sprintf("^[%s][%s]*$", leadingSafeChars, trailingSafeChars))

// shellQuote quotes s for a POSIX shell unless it is already safe.
func shellQuote(s string) string {
	if safeArgRE.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// shellCommand builds a shell command line running args in dir with extra
// environment variables env ("key=value"). dir may be empty.
func shellCommand(dir string, env, args []string) string {
	var parts []string
	if dir != "" {
		parts = append(parts, "cd", shellQuote(dir), "&&")
	}
	parts = append(parts, "exec")
	if len(env) > 0 {
		parts = append(parts, "env")
		for _, kv := range env {
			parts = append(parts, shellQuote(kv))
		}
	}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}
