// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package facts persists an inventory of everything a built image
// contains — directory entries, users, groups, installed rpms,
// systemd unit files — to a bbolt database alongside the subvolume, so
// that a later build depending on this layer as a parent can answer
// "does /etc/passwd already have a user named X" without remounting
// and re-walking it.
package facts

import "fmt"

// Fact is one row of one of the database's per-kind buckets.
type Fact interface {
	// FactKind names the bucket this Fact lives in ("dir_entry",
	// "user", "group", "rpm", "systemd_unit").
	FactKind() string
	// FactKey is this Fact's identity within its bucket (a path, a
	// username, an rpm NEVRA, ...).
	FactKey() string
}

// DirEntryKind discriminates the three shapes a DirEntry can take.
type DirEntryKind string

const (
	DirEntryDirectory DirEntryKind = "directory"
	DirEntryRegular   DirEntryKind = "regular_file"
	DirEntrySymlink   DirEntryKind = "symlink"
)

// DirEntry records one path's file-type and ownership/mode, as found
// by walking the built image; it's the facts-DB analog of the
// change-stream's Operation, but a snapshot rather than a delta.
type DirEntry struct {
	Path       string
	Kind       DirEntryKind
	UID, GID   uint32
	Mode       uint32
	LinkTarget string // only set for DirEntryKind == DirEntrySymlink
}

func (d DirEntry) FactKind() string { return "dir_entry" }
func (d DirEntry) FactKey() string  { return d.Path }

// User records one /etc/passwd entry.
type User struct {
	Name string
	UID  uint32
}

func (u User) FactKind() string { return "user" }
func (u User) FactKey() string  { return u.Name }

// Group records one /etc/group entry, including its member usernames.
type Group struct {
	Name    string
	GID     uint32
	Members []string
}

func (g Group) FactKind() string { return "group" }
func (g Group) FactKey() string  { return g.Name }

// Rpm records one installed package, keyed by its full NEVRA so that
// two builds of the same name at different versions are distinct
// facts.
type Rpm struct {
	Name    string
	Epoch   string
	Version string
	Release string
	Arch    string
}

// NEVRA renders the package's name-epoch-version-release-arch string,
// the conventional unique identifier for an installed rpm.
func (r Rpm) NEVRA() string {
	return fmt.Sprintf("%s-%s:%s-%s.%s", r.Name, r.Epoch, r.Version, r.Release, r.Arch)
}

func (r Rpm) FactKind() string { return "rpm" }
func (r Rpm) FactKey() string  { return r.NEVRA() }

// SystemdUnit records one systemd unit file found under any of the
// standard unit search directories, and whether it's enabled via a
// .wants/.requires symlink.
type SystemdUnit struct {
	Name    string
	Path    string
	Enabled bool
}

func (u SystemdUnit) FactKind() string { return "systemd_unit" }
func (u SystemdUnit) FactKey() string  { return u.Name }
