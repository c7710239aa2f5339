// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package compilerctx implements the safe bridge between feature
// compile() code and the image root: path resolution confined to the
// root, uid/gid lookups against the image's own /etc/passwd and
// /etc/group, and access to plan fragments produced during planning.
package compilerctx

import "fmt"

// Arch is a target image's CPU architecture.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAarch64 Arch = "aarch64"
)

// ParseArch validates and normalizes an architecture string, typically
// from a CLI flag.
func ParseArch(s string) (Arch, error) {
	switch Arch(s) {
	case ArchX86_64, ArchAarch64:
		return Arch(s), nil
	default:
		return "", fmt.Errorf("unknown target architecture %q", s)
	}
}

// DefaultInterp returns the dynamic linker path the kernel would pick
// for a statically-PT_INTERP-less binary of this architecture; the
// extract feature falls back to this when a binary's own PT_INTERP is
// absent.
func (a Arch) DefaultInterp() string {
	switch a {
	case ArchAarch64:
		return "/lib/ld-linux-aarch64.so.1"
	default:
		return "/lib64/ld-linux-x86-64.so.2"
	}
}
