// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antlir2/antlir2/lib/mode"
)

func TestSymbolicRoundTrip(t *testing.T) {
	t.Parallel()
	testcases := map[string]struct {
		Octal    string
		Symbolic string
	}{
		"rwxr-xr--":    {Octal: "0754", Symbolic: "u+rwx,g+rx,o+r"},
		"rw-------":    {Octal: "0600", Symbolic: "u+rw"},
		"setuid+x-all": {Octal: "4111", Symbolic: "u+xs,g+x,o+x"},
		"sticky":       {Octal: "1644", Symbolic: "u+rw,g+r,o+r,t"},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fromOctal, err := mode.ParseOctal(tc.Octal)
			require.NoError(t, err)
			fromSymbolic, err := mode.ParseSymbolic(tc.Symbolic)
			require.NoError(t, err)
			assert.Equal(t, fromOctal, fromSymbolic)
			assert.Equal(t, tc.Symbolic, fromOctal.Symbolic())
		})
	}
}

func TestModeRoundTripAllValues(t *testing.T) {
	t.Parallel()
	for v := 0; v <= 0o7777; v++ {
		m := mode.Mode(v)
		sym := m.Symbolic()
		parsed, err := mode.ParseSymbolic(sym)
		require.NoErrorf(t, err, "mode=%#o symbolic=%q", v, sym)
		assert.Equalf(t, m, parsed, "mode=%#o symbolic=%q", v, sym)
	}
}

func TestParseOctalRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	_, err := mode.ParseOctal("17777")
	assert.Error(t, err)
}
