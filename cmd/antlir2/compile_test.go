// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPlansEmptyPath(t *testing.T) {
	t.Parallel()
	plans, err := loadPlans("")
	require.NoError(t, err)
	assert.Nil(t, plans)
}

func TestLoadPlansDecodesFragments(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "plans.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rpms":{"install":[]}}`), 0o644))

	plans, err := loadPlans(path)
	require.NoError(t, err)
	require.Contains(t, plans, "rpms")
	assert.JSONEq(t, `{"install":[]}`, string(plans["rpms"]))
}

func TestOciArch(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "arm64", ociArch("aarch64"))
	assert.Equal(t, "amd64", ociArch("x86_64"))
	assert.Equal(t, "amd64", ociArch("unknown"))
}
