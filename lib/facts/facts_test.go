// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package facts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertGetDelete(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		return Insert(tx, User{Name: "alice", UID: 1000})
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		u, ok, err := Get[User](tx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint32(1000), u.UID)
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		return Delete[User](tx, "alice")
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		_, ok, err := Get[User](tx, "alice")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestSyncDirEntriesDropsStaleRows(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "drop"), []byte("x"), 0o644))

	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error { return Sync(tx, root) }))

	require.NoError(t, os.Remove(filepath.Join(root, "drop")))
	require.NoError(t, db.Update(func(tx *Tx) error { return Sync(tx, root) }))

	require.NoError(t, db.View(func(tx *Tx) error {
		_, ok, err := Get[DirEntry](tx, "/keep")
		require.NoError(t, err)
		assert.True(t, ok)

		_, ok, err = Get[DirEntry](tx, "/drop")
		require.NoError(t, err)
		assert.False(t, ok, "removed file's fact should be dropped on resync")
		return nil
	}))
}

func TestSyncUserGroupsFromEtcFiles(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/passwd"),
		[]byte("root:x:0:0:root:/root:/bin/bash\nalice:x:1000:1000::/home/alice:/bin/bash\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/group"),
		[]byte("root:x:0:\nalice:x:1000:alice\n"), 0o644))

	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error { return Sync(tx, root) }))

	require.NoError(t, db.View(func(tx *Tx) error {
		u, ok, err := Get[User](tx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint32(1000), u.UID)

		g, ok, err := Get[Group](tx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, g.Members, "alice")
		return nil
	}))
}

func TestRpmNEVRA(t *testing.T) {
	t.Parallel()
	r := Rpm{Name: "foo", Epoch: "0", Version: "1.2", Release: "3.el9", Arch: "x86_64"}
	assert.Equal(t, "foo-0:1.2-3.el9.x86_64", r.NEVRA())
}
