// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package isolation spawns feature-compile and rpm-driver children
// into a filesystem view assembled from a root layer plus read-only
// and read-write bind mounts, inside fresh mount/net/UTS namespaces.
package isolation

import "context"

// InvocationType only affects the nspawn backend, which distinguishes
// how the child's PID 1 is meant to behave.
type InvocationType string

const (
	Pid2Pipe        InvocationType = "pid2pipe"
	Pid2Interactive InvocationType = "pid2interactive"
	BootReadOnly    InvocationType = "boot_read_only"
)

// Context describes the isolated environment a backend should build
// for a child process. The zero value is a mostly-empty jail: no
// binds, no tmpfs, rooted at "/" read-write.
type Context struct {
	// Layer is the root filesystem the child sees (must be a
	// directory).
	Layer string
	// Platform is dst -> src read-only bind mounts for build
	// tooling.
	Platform map[string]string
	// Inputs is dst -> src read-only bind mounts for per-build
	// artifacts.
	Inputs map[string]string
	// Outputs is dst -> src read-write bind mounts.
	Outputs map[string]string
	// Setenv is merged into the child's environment.
	Setenv map[string]string
	// WorkingDirectory is the child's CWD, relative to Layer.
	// Empty means "/".
	WorkingDirectory string
	// Tmpfs and Devtmpfs are fresh mounts created inside the jail
	// before any binds.
	Tmpfs    []string
	Devtmpfs []string
	// Hostname sets the UTS hostname; empty means "pick a random
	// one".
	Hostname string
	// Ephemeral mounts an overlayfs over Layer so writes are
	// discarded when the child exits.
	Ephemeral bool
	// Readonly binds Layer itself read-only (ignored if Ephemeral,
	// whose overlay is inherently the writable surface).
	Readonly bool
	// UID/GID are the ids the child setuid/setgids to just before
	// exec.
	UID uint32
	GID uint32
	// InvocationType only matters to the nspawn backend.
	InvocationType InvocationType
}

// Backend spawns argv inside the jail described by spec and waits for
// it to exit.
type Backend interface {
	Run(ctx context.Context, spec *Context, argv []string) error
}
