// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package compilerctx

import (
	"encoding/json"
	"fmt"

	"golang.org/x/sys/unix"
)

// CompilerContext is the process-wide-for-the-build handle feature
// compile() implementations are given: everything they need to touch
// the image root is mediated through it, so no feature ever holds a
// bare path into the root.
type CompilerContext struct {
	label    string
	arch     Arch
	rootPath string
	rootFd   int
	plans    map[string]json.RawMessage
}

// New opens root (which must already exist as a directory) and
// returns a CompilerContext rooted there.
func New(label string, arch Arch, root string, plans map[string]json.RawMessage) (*CompilerContext, error) {
	fd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image root %q: %w", root, err)
	}
	if plans == nil {
		plans = map[string]json.RawMessage{}
	}
	return &CompilerContext{
		label:    label,
		arch:     arch,
		rootPath: root,
		rootFd:   fd,
		plans:    plans,
	}, nil
}

// Close releases the root directory fd. Callers build exactly one
// CompilerContext per subvolume compile and Close it when the
// subvolume is sealed.
func (c *CompilerContext) Close() error {
	return unix.Close(c.rootFd)
}

// Label returns the build's opaque target identifier.
func (c *CompilerContext) Label() string { return c.label }

// Arch returns the target architecture.
func (c *CompilerContext) Arch() Arch { return c.arch }

// Root returns the image root's absolute path, as passed to New. Most
// feature code should prefer DstPath over using this directly.
func (c *CompilerContext) Root() string { return c.rootPath }

// Plan returns the deserialized plan fragment with the given id, as
// produced by an earlier planning pass (notably the rpms feature's
// resolve phase). ok is false if no fragment was registered under id.
func (c *CompilerContext) Plan(id string) (payload json.RawMessage, ok bool) {
	payload, ok = c.plans[id]
	return payload, ok
}

// UnmarshalPlan looks up the plan fragment with id and decodes it into v.
func (c *CompilerContext) UnmarshalPlan(id string, v any) error {
	payload, ok := c.Plan(id)
	if !ok {
		return fmt.Errorf("no plan fragment registered for %q", id)
	}
	return json.Unmarshal(payload, v)
}
