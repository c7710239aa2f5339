// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mode implements the permission-triple + setuid/setgid/sticky
// model used throughout the compiler: file modes as used by install,
// tarball, usergroup, and the change-stream's Chmod operation.
//
// Based on the stat.h mode-bit layout in lib/linux/stat.go (itself based
// on https://github.com/datawire/ocibuild/blob/master/pkg/python/stat.go),
// extended with a symbolic parser/formatter ("u+rwx,g+rx,o+r,t").
package mode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antlir2/antlir2/lib/linux"
)

// Mode is a POSIX permission mode: the {user,group,other}x{r,w,x}
// permission triple, plus setuid/setgid/sticky.
//
// The zero Mode is "---------" (no permissions at all).
type Mode uint16

const (
	SetUID Mode = Mode(linux.ModePermSetUID)
	SetGID Mode = Mode(linux.ModePermSetGID)
	Sticky Mode = Mode(linux.ModePermSticky)

	UsrR Mode = Mode(linux.ModePermUsrR)
	UsrW Mode = Mode(linux.ModePermUsrW)
	UsrX Mode = Mode(linux.ModePermUsrX)

	GrpR Mode = Mode(linux.ModePermGrpR)
	GrpW Mode = Mode(linux.ModePermGrpW)
	GrpX Mode = Mode(linux.ModePermGrpX)

	OthR Mode = Mode(linux.ModePermOthR)
	OthW Mode = Mode(linux.ModePermOthW)
	OthX Mode = Mode(linux.ModePermOthX)

	// All is every bit this package knows how to parse or format.
	All = SetUID | SetGID | Sticky | UsrR | UsrW | UsrX | GrpR | GrpW | GrpX | OthR | OthW | OthX
)

// FromOS converts a raw POSIX st_mode (as in syscall.Stat_t.Mode or a
// tar header's Mode, which carry the permission and setuid/setgid/sticky
// bits in their low 12 bits) into a Mode, dropping the file-type bits.
// An os.FileMode keeps setuid/setgid/sticky elsewhere, so of its bits
// only Perm() carries over.
func FromOS(m uint32) Mode {
	return Mode(m & uint32(All))
}

// ParseOctal parses a mode given as 3 or 4 octal digits, e.g. "0644" or
// "4111". A leading "0o" or "0" prefix is accepted but not required.
func ParseOctal(s string) (Mode, error) {
	s = strings.TrimPrefix(s, "0o")
	s = strings.TrimPrefix(s, "0O")
	v, err := strconv.ParseUint(s, 8, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q: %w", s, err)
	}
	if Mode(v)&^All != 0 {
		return 0, fmt.Errorf("invalid octal mode %q: bits outside of the permission+setid+sticky range", s)
	}
	return Mode(v), nil
}

// classSpec is one comma-separated clause of a symbolic mode, e.g.
// "u+rwx" or "o-w" or the bare "t" for sticky.
type classSpec struct {
	classes string // subset of "ugo", or "" for the sticky-only clause
	op      byte   // '+', '-', or '=' (only '+' is needed for antlir2's
	// write-only-once feature JSON; parseClause also accepts '-' and '=',
	// and ParseSymbolic treats '=' like '+' and rejects '-')
	perms string // subset of "rwxst"
}

// ParseSymbolic parses a symbolic mode of the form used by antlir2
// feature JSON: a comma-separated list of clauses like "u+rwx",
// "g+rx", "o+r", and a bare "t" (or "u+s", "g+s") for the special bits.
//
// Unlike POSIX `chmod`, ParseSymbolic always starts from a zero Mode
// (there is no "previous mode" to combine with), so '+' and '=' behave
// identically; '-' is rejected as meaningless in this context.
func ParseSymbolic(s string) (Mode, error) {
	var m Mode
	for _, clause := range strings.Split(s, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		spec, err := parseClause(clause)
		if err != nil {
			return 0, fmt.Errorf("invalid symbolic mode %q: %w", s, err)
		}
		if spec.op == '-' {
			return 0, fmt.Errorf("invalid symbolic mode %q: %q: '-' is not meaningful without a base mode", s, clause)
		}
		if err := applyClause(&m, spec); err != nil {
			return 0, fmt.Errorf("invalid symbolic mode %q: %w", s, err)
		}
	}
	return m, nil
}

func parseClause(clause string) (classSpec, error) {
	if clause == "t" {
		return classSpec{classes: "ugo", op: '+', perms: "t"}, nil
	}
	i := strings.IndexAny(clause, "+-=")
	if i < 0 {
		return classSpec{}, fmt.Errorf("missing '+', '-', or '=' in clause %q", clause)
	}
	classes := clause[:i]
	if classes == "" {
		classes = "ugo"
	}
	for _, c := range classes {
		if !strings.ContainsRune("ugo", c) {
			return classSpec{}, fmt.Errorf("unknown class %q in clause %q", c, clause)
		}
	}
	perms := clause[i+1:]
	for _, p := range perms {
		if !strings.ContainsRune("rwxst", p) {
			return classSpec{}, fmt.Errorf("unknown permission %q in clause %q", p, clause)
		}
	}
	return classSpec{classes: classes, op: clause[i], perms: perms}, nil
}

func applyClause(m *Mode, spec classSpec) error {
	for _, class := range spec.classes {
		for _, perm := range spec.perms {
			bit, err := bitFor(class, perm)
			if err != nil {
				return err
			}
			*m |= bit
		}
	}
	return nil
}

func bitFor(class, perm rune) (Mode, error) {
	switch {
	case perm == 's' && class == 'u':
		return SetUID, nil
	case perm == 's' && class == 'g':
		return SetGID, nil
	case perm == 't':
		return Sticky, nil
	case perm == 's':
		return 0, fmt.Errorf("'s' is only meaningful for u or g, not %q", class)
	}
	switch class {
	case 'u':
		switch perm {
		case 'r':
			return UsrR, nil
		case 'w':
			return UsrW, nil
		case 'x':
			return UsrX, nil
		}
	case 'g':
		switch perm {
		case 'r':
			return GrpR, nil
		case 'w':
			return GrpW, nil
		case 'x':
			return GrpX, nil
		}
	case 'o':
		switch perm {
		case 'r':
			return OthR, nil
		case 'w':
			return OthW, nil
		case 'x':
			return OthX, nil
		}
	}
	return 0, fmt.Errorf("unreachable: class=%q perm=%q", class, perm)
}

// Octal renders the mode as "0" followed by its octal digits, e.g.
// "0644" or "04111".
func (m Mode) Octal() string {
	return fmt.Sprintf("0%o", uint16(m))
}

// Symbolic renders the mode in the canonical symbolic form this
// package's parser accepts, e.g. "u+rwx,g+rx,o+r,t". Each class's
// clause is omitted if it grants no permissions (including an
// unpopulated setuid/setgid bit). The sticky bit, if set, is rendered
// as a trailing bare "t" clause, matching how features express it.
func (m Mode) Symbolic() string {
	var clauses []string
	for _, cls := range []struct {
		name       string
		r, w, x, s Mode
	}{
		{"u", UsrR, UsrW, UsrX, SetUID},
		{"g", GrpR, GrpW, GrpX, SetGID},
		{"o", OthR, OthW, OthX, 0},
	} {
		var perms strings.Builder
		if m&cls.r != 0 {
			perms.WriteByte('r')
		}
		if m&cls.w != 0 {
			perms.WriteByte('w')
		}
		if m&cls.x != 0 {
			perms.WriteByte('x')
		}
		if cls.s != 0 && m&cls.s != 0 {
			perms.WriteByte('s')
		}
		if perms.Len() > 0 {
			clauses = append(clauses, cls.name+"+"+perms.String())
		}
	}
	if m&Sticky != 0 {
		clauses = append(clauses, "t")
	}
	if len(clauses) == 0 {
		return ""
	}
	return strings.Join(clauses, ",")
}

// String implements fmt.Stringer as the `ls -l`-style 10-character
// rendering (reusing linux.StatMode's algorithm, minus the file-type
// character since a bare Mode doesn't carry one).
func (m Mode) String() string {
	full := linux.StatMode(m) | linux.ModeFmtRegular
	return full.String()[1:]
}

// IsSetUID, IsSetGID, IsSticky report the special bits.
func (m Mode) IsSetUID() bool { return m&SetUID != 0 }
func (m Mode) IsSetGID() bool { return m&SetGID != 0 }
func (m Mode) IsSticky() bool { return m&Sticky != 0 }

// Perm returns just the rwxrwxrwx permission bits (masking off
// setuid/setgid/sticky), matching io/fs.FileMode.Perm's naming.
func (m Mode) Perm() Mode { return m & 0o777 }

// MarshalJSON renders the mode as a quoted octal string ("0644"),
// matching how feature JSON spells out a mode.
func (m Mode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.Octal() + `"`), nil
}

// UnmarshalJSON accepts either a quoted octal string ("0644") or a
// bare JSON number, the latter for payloads produced by this module's
// own lowmemjson-based persistence rather than hand-authored feature
// JSON.
func (m *Mode) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == string(data) {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", s, err)
		}
		*m = Mode(v)
		return nil
	}
	parsed, err := ParseOctal(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
