// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package usergroup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antlir2/antlir2/lib/usergroup"
)

func TestUserDBRoundTrip(t *testing.T) {
	t.Parallel()
	const text = "root:x:0:0::/root:/bin/bash\nalice:x:1000:1000::/home/alice:/bin/sh\n"
	db, err := usergroup.ParseUserDB(text)
	require.NoError(t, err)
	assert.Equal(t, text, db.String())
}

func TestUserDBTrailingBlankLinesElided(t *testing.T) {
	t.Parallel()
	const text = "root:x:0:0::/root:/bin/bash\n\n\n"
	db, err := usergroup.ParseUserDB(text)
	require.NoError(t, err)
	assert.Equal(t, "root:x:0:0::/root:/bin/bash\n", db.String())
}

func TestUserDBNextUID(t *testing.T) {
	t.Parallel()
	db, err := usergroup.ParseUserDB("root:x:0:0::/root:/bin/bash\nnobody:x:1:65534::/:/usr/sbin/nologin\n")
	require.NoError(t, err)
	uid, err := db.NextUID()
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), uid)
}

func TestUserDBNextUIDExhausted(t *testing.T) {
	t.Parallel()
	db := &usergroup.UserDB{}
	for uid := 0; uid <= 60000; uid++ {
		db.Add(usergroup.UserRecord{Name: "u", UID: uint32(uid)})
	}
	_, err := db.NextUID()
	assert.ErrorIs(t, err, usergroup.ErrNoIDsAvailable)
}

func TestGroupDBRoundTrip(t *testing.T) {
	t.Parallel()
	const text = "root:x:0:\nwheel:x:10:alice,bob\n"
	db, err := usergroup.ParseGroupDB(text)
	require.NoError(t, err)
	assert.Equal(t, text, db.String())
}

func TestGroupDBAddMember(t *testing.T) {
	t.Parallel()
	db, err := usergroup.ParseGroupDB("wheel:x:10:alice\n")
	require.NoError(t, err)
	db.AddMember("wheel", "bob")
	db.AddMember("wheel", "bob")
	rec, ok := db.ByName("wheel")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, rec.Members)
}

func TestShadowDBRoundTrip(t *testing.T) {
	t.Parallel()
	const text = "root:!!:19000:0:99999:7:::\n"
	db, err := usergroup.ParseShadowDB(text)
	require.NoError(t, err)
	assert.Equal(t, text, db.String())
}

func TestDefaultDBs(t *testing.T) {
	t.Parallel()
	u := usergroup.DefaultUserDB()
	rec, ok := u.ByName("root")
	require.True(t, ok)
	assert.Equal(t, uint32(0), rec.UID)
	assert.Equal(t, "/bin/bash", rec.Shell)

	g := usergroup.DefaultGroupDB()
	grec, ok := g.ByName("root")
	require.True(t, ok)
	assert.Equal(t, uint32(0), grec.GID)

	s := usergroup.DefaultShadowDB()
	require.Len(t, s.Records, 1)
	assert.Equal(t, usergroup.LockedPassword, s.Records[0].EncryptedPassword)
}
