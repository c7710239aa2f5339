// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package changestream

// instruction is one pending unit of work on the explicit stack: a
// Change ready to be yielded, or a subtree comparison/addition/
// removal that expands into further instructions (possibly more
// Changes, possibly more subtrees) when visited.
type instruction interface {
	isInstruction()
}

type changeInstr struct {
	change Change
}

func (changeInstr) isInstruction() {}

// addTreeInstr expands into: Mkdir, one instruction per child
// (AddTree/NewFile), then Chown and SetTimes last (so later writes
// into the directory don't disturb its recorded mtime).
type addTreeInstr struct {
	prefix, oldRoot, newRoot string
}

func (addTreeInstr) isInstruction() {}

// removeTreeInstr expands into: one instruction per child
// (RemoveTree/Unlink), then Rmdir last.
type removeTreeInstr struct {
	prefix, root string
}

func (removeTreeInstr) isInstruction() {}

// compareTreeInstr expands into metadata Changes for the directory
// itself, additions/removals/recursive comparisons for its children.
type compareTreeInstr struct {
	prefix, oldRoot, newRoot string
}

func (compareTreeInstr) isInstruction() {}

// newFileInstr expands into Create, Contents, Chown, Chmod, SetTimes
// (with a HardLink in place of Create and Contents, if this inode was
// already seen).
type newFileInstr struct {
	path, oldRoot, newRoot string
}

func (newFileInstr) isInstruction() {}

// compareFileInstr expands into metadata Changes for whatever
// differs, plus xattr changes, plus a Contents replacement if the
// byte contents differ (or a HardLink if this inode was already
// seen).
type compareFileInstr struct {
	path, oldRoot, newRoot string
}

func (compareFileInstr) isInstruction() {}
