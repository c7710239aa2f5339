// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package changestream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, it *Iter) []Change {
	t.Helper()
	var changes []Change
	for {
		c, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		changes = append(changes, c)
	}
	return changes
}

func opKinds(changes []Change) []OpKind {
	kinds := make([]OpKind, len(changes))
	for i, c := range changes {
		kinds[i] = c.Op.Kind
	}
	return kinds
}

func TestFromEmptySingleFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hostname"), []byte("x"), 0o444))

	changes := drain(t, FromEmpty(root))

	var paths []string
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	assert.Contains(t, paths, "/hostname")
	// Mkdir(/) must precede any operation on a child of /.
	mkdirIdx, fileIdx := -1, -1
	for idx, c := range changes {
		if c.Path == "/" && c.Op.Kind == OpMkdir {
			mkdirIdx = idx
		}
		if c.Path == "/hostname" && c.Op.Kind == OpCreate {
			fileIdx = idx
		}
	}
	require.NotEqual(t, -1, mkdirIdx)
	require.NotEqual(t, -1, fileIdx)
	assert.Less(t, mkdirIdx, fileIdx)
}

func TestFromEmptySetTimesIsLast(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o444))

	changes := drain(t, FromEmpty(root))

	lastRootOp := -1
	for idx, c := range changes {
		if c.Path == "/" {
			lastRootOp = idx
		}
	}
	require.NotEqual(t, -1, lastRootOp)
	assert.Equal(t, OpSetTimes, changes[lastRootOp].Op.Kind)
}

func TestDiffDeletedDirectoryEmitsUnlinkThenRmdir(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	child := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(parent, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "a", "b", "c"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(child, "a"), 0o755))

	changes := drain(t, Diff(parent, child))

	unlinkIdx, rmdirIdx := -1, -1
	for idx, c := range changes {
		if c.Path == "/a/b/c" && c.Op.Kind == OpUnlink {
			unlinkIdx = idx
		}
		if c.Path == "/a/b" && c.Op.Kind == OpRmdir {
			rmdirIdx = idx
		}
	}
	require.NotEqual(t, -1, unlinkIdx)
	require.NotEqual(t, -1, rmdirIdx)
	assert.Less(t, unlinkIdx, rmdirIdx)
}

func TestDiffHardlinkDetection(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644))
	require.NoError(t, os.Link(filepath.Join(root, "a"), filepath.Join(root, "b")))

	changes := drain(t, FromEmpty(root))

	var contentsCount, hardlinkCount int
	for _, c := range changes {
		switch c.Op.Kind {
		case OpContents:
			contentsCount++
		case OpHardLink:
			hardlinkCount++
		}
	}
	assert.Equal(t, 1, contentsCount)
	assert.Equal(t, 1, hardlinkCount)
}

func TestDiffFileTypeChangeIsDeleteThenAdd(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	child := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(parent, "x"), []byte("old"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(child, "x"), 0o755))

	changes := drain(t, Diff(parent, child))

	unlinkIdx, mkdirIdx := -1, -1
	for idx, c := range changes {
		if c.Path == "/x" && c.Op.Kind == OpUnlink {
			unlinkIdx = idx
		}
		if c.Path == "/x" && c.Op.Kind == OpMkdir {
			mkdirIdx = idx
		}
	}
	require.NotEqual(t, -1, unlinkIdx)
	require.NotEqual(t, -1, mkdirIdx)
	assert.Less(t, unlinkIdx, mkdirIdx)
}

func TestDiffNoChangesYieldsNoOperations(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	child := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "f"), []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(child, "f"), []byte("same"), 0o644))

	changes := drain(t, Diff(parent, child))
	for _, c := range changes {
		assert.NotEqual(t, OpContents, c.Op.Kind, "identical content should not be re-sent")
	}
}
