// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package usergroup implements parsing, mutation, and serialization of
// the /etc/passwd, /etc/group, and /etc/shadow textual record formats,
// plus the id-allocation policy features use when they don't pin a
// uid/gid.
package usergroup

import (
	"fmt"
	"strconv"
	"strings"
)

// UserRecord mirrors one line of /etc/passwd.
type UserRecord struct {
	Name           string
	PasswordMarker string
	UID            uint32
	GID            uint32
	GECOS          string
	HomeDir        string
	Shell          string
}

func parseUint32(field, line string) (uint32, error) {
	v, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric field %q in line %q: %w", field, line, err)
	}
	return uint32(v), nil
}

// ParseUserRecord parses a single (non-empty) line of /etc/passwd.
func ParseUserRecord(line string) (UserRecord, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 7 {
		return UserRecord{}, fmt.Errorf("passwd line has %d fields (want 7): %q", len(fields), line)
	}
	uid, err := parseUint32(fields[2], line)
	if err != nil {
		return UserRecord{}, err
	}
	gid, err := parseUint32(fields[3], line)
	if err != nil {
		return UserRecord{}, err
	}
	return UserRecord{
		Name:           fields[0],
		PasswordMarker: fields[1],
		UID:            uid,
		GID:            gid,
		GECOS:          fields[4],
		HomeDir:        fields[5],
		Shell:          fields[6],
	}, nil
}

// String renders the record as a single /etc/passwd line, without a
// trailing newline.
func (u UserRecord) String() string {
	return strings.Join([]string{
		u.Name, u.PasswordMarker,
		strconv.FormatUint(uint64(u.UID), 10),
		strconv.FormatUint(uint64(u.GID), 10),
		u.GECOS, u.HomeDir, u.Shell,
	}, ":")
}
