// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antlir2/antlir2/lib/textui"
)

// rdev stands in for a changestream Mknod device number: like
// btrfs's own logical/physical addresses, it's a bare integer that's
// more useful printed in hex than decimal, so it gets its own
// fmt.Formatter instead of relying on the default verb handling.
type rdev uint64

func (d rdev) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, "%#016x", uint64(d))
	default:
		fmt.Fprintf(f, "%d", uint64(d))
	}
}

func TestFprintf(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	textui.Fprintf(&out, "%d", 12345)
	assert.Equal(t, "12,345", out.String())
}

func TestHumanized(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "12,345", fmt.Sprint(textui.Humanized(12345)))
	assert.Equal(t, "12,345  ", fmt.Sprintf("%-8d", textui.Humanized(12345)))

	dev := rdev(345243543)
	assert.Equal(t, "0x000000001493ff97", fmt.Sprintf("%v", textui.Humanized(dev)))
	assert.Equal(t, "345243543", fmt.Sprintf("%d", textui.Humanized(dev)))
	assert.Equal(t, "345,243,543", fmt.Sprintf("%d", textui.Humanized(uint64(dev))))
}

func TestPortion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[int]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[int]{N: 1, D: 12345}))
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[rdev]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[rdev]{N: 1, D: 12345}))
}
