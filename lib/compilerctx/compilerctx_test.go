// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package compilerctx_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antlir2/antlir2/lib/compilerctx"
)

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "passwd"),
		[]byte("root:x:0:0::/root:/bin/bash\n"), 0o644))
	return root
}

func TestDstPathRootItself(t *testing.T) {
	t.Parallel()
	root := newRoot(t)
	ctx, err := compilerctx.New("t", compilerctx.ArchX86_64, root, nil)
	require.NoError(t, err)
	defer ctx.Close()

	for _, p := range []string{"/", ""} {
		got, err := ctx.DstPath(p)
		require.NoError(t, err)
		assert.Equal(t, root, got)
	}
}

func TestDstPathExistingParent(t *testing.T) {
	t.Parallel()
	root := newRoot(t)
	ctx, err := compilerctx.New("t", compilerctx.ArchX86_64, root, nil)
	require.NoError(t, err)
	defer ctx.Close()

	got, err := ctx.DstPath("/etc/hostname")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc", "hostname"), got)
}

func TestDstPathMissingAncestors(t *testing.T) {
	t.Parallel()
	root := newRoot(t)
	ctx, err := compilerctx.New("t", compilerctx.ArchX86_64, root, nil)
	require.NoError(t, err)
	defer ctx.Close()

	got, err := ctx.DstPath("/opt/app/bin/run")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "opt", "app", "bin", "run"), got)
}

func TestUIDGIDAndDefaults(t *testing.T) {
	t.Parallel()
	root := newRoot(t)
	ctx, err := compilerctx.New("t", compilerctx.ArchX86_64, root, nil)
	require.NoError(t, err)
	defer ctx.Close()

	uid, err := ctx.UID("root")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), uid)

	_, err = ctx.UID("nobody")
	assert.Error(t, err)

	gdb, err := ctx.GroupDB()
	require.NoError(t, err)
	assert.Len(t, gdb.Records, 1)
}

func TestPlanFragment(t *testing.T) {
	t.Parallel()
	root := newRoot(t)
	ctx, err := compilerctx.New("t", compilerctx.ArchAarch64, root, map[string]json.RawMessage{
		"rpms": json.RawMessage(`{"install":["foo"],"remove":[]}`),
	})
	require.NoError(t, err)
	defer ctx.Close()

	type resolved struct {
		Install []string `json:"install"`
		Remove  []string `json:"remove"`
	}
	var r resolved
	require.NoError(t, ctx.UnmarshalPlan("rpms", &r))
	assert.Equal(t, []string{"foo"}, r.Install)
	assert.Equal(t, "/lib/ld-linux-aarch64.so.1", ctx.Arch().DefaultInterp())
}
