// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package usergroup

import (
	"fmt"
	"strings"
)

// LockedPassword is the encrypted-password field antlir2 writes for
// every user it creates: "!!" means the account has no valid password
// and cannot be logged into directly (only via su/sudo/ssh-key).
const LockedPassword = "!!"

// ShadowRecord mirrors one line of /etc/shadow. The numeric aging
// fields are kept as opaque strings (rather than parsed ints) because
// an empty field is semantically distinct from "0", and this module
// never interprets their values -- it only preserves them round-trip
// and fills in LockedPassword for new users.
type ShadowRecord struct {
	Name              string
	EncryptedPassword string
	LastChanged       string
	MinAge            string
	MaxAge            string
	WarnPeriod        string
	InactivityPeriod  string
	ExpirationDate    string
	Reserved          string
}

// ParseShadowRecord parses a single (non-empty) line of /etc/shadow.
func ParseShadowRecord(line string) (ShadowRecord, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 9 {
		return ShadowRecord{}, fmt.Errorf("shadow line has %d fields (want 9): %q", len(fields), line)
	}
	return ShadowRecord{
		Name:              fields[0],
		EncryptedPassword: fields[1],
		LastChanged:       fields[2],
		MinAge:            fields[3],
		MaxAge:            fields[4],
		WarnPeriod:        fields[5],
		InactivityPeriod:  fields[6],
		ExpirationDate:    fields[7],
		Reserved:          fields[8],
	}, nil
}

// String renders the record as a single /etc/shadow line, without a
// trailing newline.
func (s ShadowRecord) String() string {
	return strings.Join([]string{
		s.Name, s.EncryptedPassword, s.LastChanged, s.MinAge, s.MaxAge,
		s.WarnPeriod, s.InactivityPeriod, s.ExpirationDate, s.Reserved,
	}, ":")
}

// NewLockedShadowRecord builds the shadow companion record created
// alongside a new UserRecord: a locked password and everything else
// blank (no aging policy imposed by antlir2).
func NewLockedShadowRecord(name string) ShadowRecord {
	return ShadowRecord{
		Name:              name,
		EncryptedPassword: LockedPassword,
	}
}
