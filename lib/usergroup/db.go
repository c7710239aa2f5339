// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package usergroup

import (
	"fmt"
	"io"
	"strings"
)

// idRangeLo and idRangeHi bound the ids antlir2 will pick on a
// feature's behalf when it doesn't pin a uid/gid: the smallest unused
// id in [1000, 60000] is chosen, matching how most distros reserve
// [0,1000) for system accounts.
const (
	idRangeLo = 1000
	idRangeHi = 60000
)

// ErrNoIDsAvailable is returned by nextFreeID when every id in
// [idRangeLo, idRangeHi] is taken.
var ErrNoIDsAvailable = fmt.Errorf("no more uids/gids available in [%d, %d]", idRangeLo, idRangeHi)

func nextFreeID(used map[uint32]struct{}) (uint32, error) {
	for id := uint32(idRangeLo); id <= idRangeHi; id++ {
		if _, taken := used[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrNoIDsAvailable
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// UserDB is the parsed contents of /etc/passwd.
type UserDB struct {
	Records []UserRecord
}

// DefaultUserDB is the skeleton used when /etc/passwd doesn't exist
// yet in a layer: a single root account.
func DefaultUserDB() *UserDB {
	return &UserDB{Records: []UserRecord{{
		Name:           "root",
		PasswordMarker: "x",
		UID:            0,
		GID:            0,
		HomeDir:        "/root",
		Shell:          "/bin/bash",
	}}}
}

// ParseUserDB parses the full contents of an /etc/passwd file.
// Trailing blank lines are accepted and elided.
func ParseUserDB(text string) (*UserDB, error) {
	db := &UserDB{}
	for _, line := range splitLines(text) {
		rec, err := ParseUserRecord(line)
		if err != nil {
			return nil, err
		}
		db.Records = append(db.Records, rec)
	}
	return db, nil
}

// String renders the database as the full contents of /etc/passwd,
// including a trailing newline (or the empty string if there are no
// records).
func (db *UserDB) String() string {
	if len(db.Records) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, rec := range db.Records {
		sb.WriteString(rec.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// WriteTo implements io.WriterTo.
func (db *UserDB) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, db.String())
	return int64(n), err
}

// ByName looks up a user record by name.
func (db *UserDB) ByName(name string) (*UserRecord, bool) {
	for i := range db.Records {
		if db.Records[i].Name == name {
			return &db.Records[i], true
		}
	}
	return nil, false
}

// usedIDs returns the set of uids currently in use.
func (db *UserDB) usedIDs() map[uint32]struct{} {
	used := make(map[uint32]struct{}, len(db.Records))
	for _, rec := range db.Records {
		used[rec.UID] = struct{}{}
	}
	return used
}

// NextUID returns the smallest unused uid in [1000, 60000].
func (db *UserDB) NextUID() (uint32, error) {
	return nextFreeID(db.usedIDs())
}

// Add appends a user record. It does not check for duplicate names or
// ids; the depgraph is responsible for having already rejected
// conflicting providers of the same User item before compile time.
func (db *UserDB) Add(rec UserRecord) {
	db.Records = append(db.Records, rec)
}

// GroupDB is the parsed contents of /etc/group.
type GroupDB struct {
	Records []GroupRecord
}

// DefaultGroupDB is the skeleton used when /etc/group doesn't exist
// yet in a layer: a single root group.
func DefaultGroupDB() *GroupDB {
	return &GroupDB{Records: []GroupRecord{{
		Name:           "root",
		PasswordMarker: "x",
		GID:            0,
	}}}
}

// ParseGroupDB parses the full contents of an /etc/group file.
func ParseGroupDB(text string) (*GroupDB, error) {
	db := &GroupDB{}
	for _, line := range splitLines(text) {
		rec, err := ParseGroupRecord(line)
		if err != nil {
			return nil, err
		}
		db.Records = append(db.Records, rec)
	}
	return db, nil
}

// String renders the database as the full contents of /etc/group.
func (db *GroupDB) String() string {
	if len(db.Records) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, rec := range db.Records {
		sb.WriteString(rec.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// WriteTo implements io.WriterTo.
func (db *GroupDB) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, db.String())
	return int64(n), err
}

// ByName looks up a group record by name.
func (db *GroupDB) ByName(name string) (*GroupRecord, bool) {
	for i := range db.Records {
		if db.Records[i].Name == name {
			return &db.Records[i], true
		}
	}
	return nil, false
}

func (db *GroupDB) usedIDs() map[uint32]struct{} {
	used := make(map[uint32]struct{}, len(db.Records))
	for _, rec := range db.Records {
		used[rec.GID] = struct{}{}
	}
	return used
}

// NextGID returns the smallest unused gid in [1000, 60000].
func (db *GroupDB) NextGID() (uint32, error) {
	return nextFreeID(db.usedIDs())
}

// Add appends a group record.
func (db *GroupDB) Add(rec GroupRecord) {
	db.Records = append(db.Records, rec)
}

// AddMember adds name to group's member list if it isn't already
// present. It is a no-op if the group doesn't exist.
func (db *GroupDB) AddMember(group, name string) {
	for i := range db.Records {
		if db.Records[i].Name == group && !db.Records[i].HasMember(name) {
			db.Records[i].Members = append(db.Records[i].Members, name)
			return
		}
	}
}

// ShadowDB is the parsed contents of /etc/shadow.
type ShadowDB struct {
	Records []ShadowRecord
}

// DefaultShadowDB is the skeleton used when /etc/shadow doesn't exist
// yet in a layer.
func DefaultShadowDB() *ShadowDB {
	return &ShadowDB{Records: []ShadowRecord{NewLockedShadowRecord("root")}}
}

// ParseShadowDB parses the full contents of an /etc/shadow file.
func ParseShadowDB(text string) (*ShadowDB, error) {
	db := &ShadowDB{}
	for _, line := range splitLines(text) {
		rec, err := ParseShadowRecord(line)
		if err != nil {
			return nil, err
		}
		db.Records = append(db.Records, rec)
	}
	return db, nil
}

// String renders the database as the full contents of /etc/shadow.
func (db *ShadowDB) String() string {
	if len(db.Records) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, rec := range db.Records {
		sb.WriteString(rec.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// WriteTo implements io.WriterTo.
func (db *ShadowDB) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, db.String())
	return int64(n), err
}

// Add appends a shadow record.
func (db *ShadowDB) Add(rec ShadowRecord) {
	db.Records = append(db.Records, rec)
}
