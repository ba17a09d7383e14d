// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import "testing"

func TestShellQuote(t *testing.T) {
	for _, c := range []struct {
		in, exp string
	}{
		{``, `''`},
		{` `, `' '`},
		{`ab`, `ab`},
		{`a b`, `'a b'`},
		{`AZaz09@%_+=:,./-`, `AZaz09@%_+=:,./-`},
		{`a!b`, `'a!b'`},
		{`'`, `''"'"''`},
		{`=foo`, `'=foo'`},
		{`Gallio's`, `'Gallio'"'"'s'`},
	} {
		if s := shellQuote(c.in); s != c.exp {
			t.Errorf("shellQuote(%q) = %q; want %q", c.in, s, c.exp)
		}
	}
}

func TestShellCommand(t *testing.T) {
	for _, c := range []struct {
		dir  string
		env  []string
		args []string
		exp  string
	}{
		{"", nil, []string{"/usr/bin/gallio_host", "shim"}, `exec /usr/bin/gallio_host shim`},
		{"/tmp/work dir", nil, []string{"gallio_host"}, `cd '/tmp/work dir' && exec gallio_host`},
		{"", []string{"A=1", "B=x y"}, []string{"gallio_host", "-debug"}, `exec env A=1 'B=x y' gallio_host -debug`},
	} {
		if s := shellCommand(c.dir, c.env, c.args); s != c.exp {
			t.Errorf("shellCommand(%q, %q, %q) = %q; want %q", c.dir, c.env, c.args, s, c.exp)
		}
	}
}
