// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package compilerctx

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// DstPath resolves p inside the image root and returns the real,
// outside-the-root path a syscall can use directly. Symlinks are
// followed for every component of the parent directory, confined so
// that none of them can escape the root; the last path component is
// never resolved, so the caller is free to create something new
// there. "/" and "" both resolve to the root itself.
//
// If the parent directory doesn't fully exist yet, DstPath walks up
// to the deepest ancestor that does, and rejoins the missing tail
// components verbatim onto that ancestor's real path.
func (c *CompilerContext) DstPath(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return c.rootPath, nil
	}
	clean = strings.TrimPrefix(clean, "/")
	components := strings.Split(clean, "/")
	last := components[len(components)-1]
	parent := components[:len(components)-1]

	ancestor, tail, err := c.resolveDeepestAncestor(parent)
	if err != nil {
		return "", fmt.Errorf("resolving %q under image root: %w", p, err)
	}
	tail = append(tail, last)
	return path.Join(append([]string{ancestor}, tail...)...), nil
}

// resolveDeepestAncestor returns the real path of the longest prefix
// of components that currently exists under the root, and the
// remaining (not-yet-created) suffix.
func (c *CompilerContext) resolveDeepestAncestor(components []string) (ancestor string, tail []string, err error) {
	for n := len(components); n >= 0; n-- {
		rel := strings.Join(components[:n], "/")
		real, resolveErr := c.resolveInRoot(rel)
		if resolveErr == nil {
			return real, components[n:], nil
		}
		if !errors.Is(resolveErr, unix.ENOENT) && !errors.Is(resolveErr, unix.ENOTDIR) {
			return "", nil, resolveErr
		}
	}
	return c.rootPath, components, nil
}

// resolveInRoot resolves rel (a slash-separated path relative to the
// image root, possibly empty) to its real outside-the-root path,
// using RESOLVE_IN_ROOT so that symlink traversal can never escape
// the root.
func (c *CompilerContext) resolveInRoot(rel string) (string, error) {
	if rel == "" {
		return c.rootPath, nil
	}
	how := unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_IN_ROOT,
	}
	fd, err := unix.Openat2(c.rootFd, rel, &how)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)
	return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
}
