// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package usergroup

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupRecord mirrors one line of /etc/group.
type GroupRecord struct {
	Name           string
	PasswordMarker string
	GID            uint32
	Members        []string
}

// ParseGroupRecord parses a single (non-empty) line of /etc/group.
func ParseGroupRecord(line string) (GroupRecord, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 4 {
		return GroupRecord{}, fmt.Errorf("group line has %d fields (want 4): %q", len(fields), line)
	}
	gid, err := parseUint32(fields[2], line)
	if err != nil {
		return GroupRecord{}, err
	}
	var members []string
	if fields[3] != "" {
		members = strings.Split(fields[3], ",")
	}
	return GroupRecord{
		Name:           fields[0],
		PasswordMarker: fields[1],
		GID:            gid,
		Members:        members,
	}, nil
}

// String renders the record as a single /etc/group line, without a
// trailing newline.
func (g GroupRecord) String() string {
	return strings.Join([]string{
		g.Name, g.PasswordMarker,
		strconv.FormatUint(uint64(g.GID), 10),
		strings.Join(g.Members, ","),
	}, ":")
}

// HasMember reports whether name is already a member of the group.
func (g GroupRecord) HasMember(name string) bool {
	for _, m := range g.Members {
		if m == name {
			return true
		}
	}
	return false
}
