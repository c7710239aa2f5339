// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package changestream

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/antlir2/antlir2/lib/mode"
	"github.com/antlir2/antlir2/lib/xfer"
)

// statTime converts a syscall.Timespec (as found in Stat_t's Atim/
// Mtim fields) into a time.Time.
func statTime(ts syscall.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// Iter lazily yields Changes from an explicit instruction stack;
// Next expands compound instructions (AddTree, RemoveTree,
// CompareTree, NewFile, CompareFile) as it encounters them, so no
// more of the tree is ever resident in memory than the current
// frontier.
type Iter struct {
	stack  []instruction
	inodes map[uint64]string
	err    error
}

// Diff walks parentRoot and childRoot (two directory snapshots) and
// returns an Iter over their differences.
func Diff(parentRoot, childRoot string) *Iter {
	it := &Iter{inodes: map[uint64]string{}}
	it.push(compareTreeInstr{prefix: "/", oldRoot: parentRoot, newRoot: childRoot})
	return it
}

// FromEmpty is equivalent to Diff against an empty tree: every entry
// of root is emitted as an addition.
func FromEmpty(root string) *Iter {
	it := &Iter{inodes: map[uint64]string{}}
	it.push(addTreeInstr{prefix: "/", newRoot: root})
	return it
}

func (it *Iter) push(instrs ...instruction) {
	it.stack = append(it.stack, instrs...)
}

func (it *Iter) pop() (instruction, bool) {
	if len(it.stack) == 0 {
		return nil, false
	}
	last := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	return last, true
}

// Next returns the next Change in the stream, or ok=false once the
// stream is exhausted. A walk failure is returned as err, with
// ok=false.
func (it *Iter) Next() (change Change, ok bool, err error) {
	if it.err != nil {
		return Change{}, false, it.err
	}
	for {
		instr, has := it.pop()
		if !has {
			return Change{}, false, nil
		}
		switch i := instr.(type) {
		case changeInstr:
			return i.change, true, nil
		case addTreeInstr:
			if err := it.expandAddTree(i); err != nil {
				it.err = err
				return Change{}, false, err
			}
		case removeTreeInstr:
			if err := it.expandRemoveTree(i); err != nil {
				it.err = err
				return Change{}, false, err
			}
		case compareTreeInstr:
			if err := it.expandCompareTree(i); err != nil {
				it.err = err
				return Change{}, false, err
			}
		case newFileInstr:
			if err := it.expandNewFile(i); err != nil {
				it.err = err
				return Change{}, false, err
			}
		case compareFileInstr:
			if err := it.expandCompareFile(i); err != nil {
				it.err = err
				return Change{}, false, err
			}
		default:
			return Change{}, false, fmt.Errorf("changestream: unknown instruction %T", instr)
		}
	}
}

// expandAddTree mirrors the original's `add`: mkdir pushed last (so
// it's popped first), per-child instructions in the middle, chown and
// set_times pushed first (so they're popped last, after every child
// has been visited).
func (it *Iter) expandAddTree(i addTreeInstr) error {
	fi, err := os.Lstat(i.newRoot)
	if err != nil {
		return fmt.Errorf("changestream: stat %s: %w", i.newRoot, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("changestream: %s: no raw stat info", i.newRoot)
	}

	var instrs []instruction
	instrs = append(instrs,
		changeInstr{Change{Path: i.prefix, Op: SetTimes(statTime(st.Atim), statTime(st.Mtim))}},
		changeInstr{Change{Path: i.prefix, Op: Chown(st.Uid, st.Gid)}},
	)

	names, err := sortedDirNames(i.newRoot)
	if err != nil {
		return err
	}
	for _, name := range names {
		childPrefix := filepath.Join(i.prefix, name)
		childPath := filepath.Join(i.newRoot, name)
		childFi, err := os.Lstat(childPath)
		if err != nil {
			return fmt.Errorf("changestream: stat %s: %w", childPath, err)
		}
		if childFi.IsDir() {
			instrs = append(instrs, addTreeInstr{prefix: childPrefix, newRoot: childPath})
		} else {
			instrs = append(instrs, newFileInstr{path: childPrefix, newRoot: childPath})
		}
	}

	instrs = append(instrs, changeInstr{Change{Path: i.prefix, Op: Mkdir(mode.FromOS(st.Mode))}})
	it.push(instrs...)
	return nil
}

// expandRemoveTree mirrors the original's `remove`: rmdir pushed
// first (so it's popped last, after every child has been removed).
func (it *Iter) expandRemoveTree(i removeTreeInstr) error {
	instrs := []instruction{changeInstr{Change{Path: i.prefix, Op: Rmdir()}}}

	names, err := sortedDirNames(i.root)
	if err != nil {
		return err
	}
	for _, name := range names {
		childPrefix := filepath.Join(i.prefix, name)
		childPath := filepath.Join(i.root, name)
		fi, err := os.Lstat(childPath)
		if err != nil {
			return fmt.Errorf("changestream: stat %s: %w", childPath, err)
		}
		if fi.IsDir() {
			instrs = append(instrs, removeTreeInstr{prefix: childPrefix, root: childPath})
		} else {
			instrs = append(instrs, changeInstr{Change{Path: childPrefix, Op: Unlink()}})
		}
	}
	it.push(instrs...)
	return nil
}

// expandCompareTree mirrors the original's `compare`: the
// directory's own metadata changes are pushed first (popped last),
// then removed-in-new entries, then every new-tree entry in turn.
func (it *Iter) expandCompareTree(i compareTreeInstr) error {
	oldFi, err := os.Lstat(i.oldRoot)
	if err != nil {
		return fmt.Errorf("changestream: stat %s: %w", i.oldRoot, err)
	}
	newFi, err := os.Lstat(i.newRoot)
	if err != nil {
		return fmt.Errorf("changestream: stat %s: %w", i.newRoot, err)
	}
	var instrs []instruction
	if op, ok := maybeChown(oldFi, newFi); ok {
		instrs = append(instrs, changeInstr{Change{Path: i.prefix, Op: op}})
	}
	if op, ok := maybeChmod(oldFi, newFi); ok {
		instrs = append(instrs, changeInstr{Change{Path: i.prefix, Op: op}})
	}
	if op, ok := maybeSetTimes(oldFi, newFi); ok {
		instrs = append(instrs, changeInstr{Change{Path: i.prefix, Op: op}})
	}
	xattrChanges, err := xattrOps(i.oldRoot, i.newRoot)
	if err != nil {
		return err
	}
	for _, op := range xattrChanges {
		instrs = append(instrs, changeInstr{Change{Path: i.prefix, Op: op}})
	}

	oldNames, err := sortedDirNames(i.oldRoot)
	if err != nil {
		return err
	}
	newNameSet := map[string]bool{}
	newNames, err := sortedDirNames(i.newRoot)
	if err != nil {
		return err
	}
	for _, n := range newNames {
		newNameSet[n] = true
	}

	for _, name := range oldNames {
		if newNameSet[name] {
			continue
		}
		childPrefix := filepath.Join(i.prefix, name)
		childPath := filepath.Join(i.oldRoot, name)
		fi, err := os.Lstat(childPath)
		if err != nil {
			return fmt.Errorf("changestream: stat %s: %w", childPath, err)
		}
		if fi.IsDir() {
			instrs = append(instrs, removeTreeInstr{prefix: childPrefix, root: childPath})
		} else {
			instrs = append(instrs, changeInstr{Change{Path: childPrefix, Op: Unlink()}})
		}
	}

	for _, name := range newNames {
		childPrefix := filepath.Join(i.prefix, name)
		oldChildPath := filepath.Join(i.oldRoot, name)
		newChildPath := filepath.Join(i.newRoot, name)

		newFi, err := os.Lstat(newChildPath)
		if err != nil {
			return fmt.Errorf("changestream: stat %s: %w", newChildPath, err)
		}
		newIsDir := newFi.IsDir()

		var newInstr instruction
		if newIsDir {
			newInstr = addTreeInstr{prefix: childPrefix, newRoot: newChildPath}
		} else {
			newInstr = newFileInstr{path: childPrefix, newRoot: newChildPath}
		}

		oldFi, err := os.Lstat(oldChildPath)
		switch {
		case os.IsNotExist(err):
			instrs = append(instrs, newInstr)
		case err != nil:
			return fmt.Errorf("changestream: stat %s: %w", oldChildPath, err)
		case oldFi.IsDir() != newIsDir:
			// File-type change: delete old, then add new. Pushed
			// new-then-old so pop order is delete-then-add.
			instrs = append(instrs, newInstr)
			if oldFi.IsDir() {
				instrs = append(instrs, removeTreeInstr{prefix: childPrefix, root: oldChildPath})
			} else {
				instrs = append(instrs, changeInstr{Change{Path: childPrefix, Op: Unlink()}})
			}
		case newIsDir:
			instrs = append(instrs, compareTreeInstr{prefix: childPrefix, oldRoot: oldChildPath, newRoot: newChildPath})
		default:
			instrs = append(instrs, compareFileInstr{path: childPrefix, oldRoot: oldChildPath, newRoot: newChildPath})
		}
	}

	it.push(instrs...)
	return nil
}

// expandNewFile emits Create, Contents, Chown, Chmod, SetTimes; if this
// inode was already seen elsewhere in the new tree, a HardLink takes
// the place of Create and Contents.
func (it *Iter) expandNewFile(i newFileInstr) error {
	fi, err := os.Lstat(i.newRoot)
	if err != nil {
		return fmt.Errorf("changestream: stat %s: %w", i.newRoot, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(i.newRoot)
		if err != nil {
			return fmt.Errorf("changestream: readlink %s: %w", i.newRoot, err)
		}
		it.push(changeInstr{Change{Path: i.path, Op: Symlink(target)}})
		return nil
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("changestream: %s: no raw stat info", i.newRoot)
	}

	instrs := []instruction{
		changeInstr{Change{Path: i.path, Op: SetTimes(statTime(st.Atim), statTime(st.Mtim))}},
		changeInstr{Change{Path: i.path, Op: Chmod(mode.FromOS(st.Mode))}},
		changeInstr{Change{Path: i.path, Op: Chown(st.Uid, st.Gid)}},
	}
	if st.Nlink > 1 {
		if first, seen := it.inodes[st.Ino]; seen {
			instrs = append(instrs, changeInstr{Change{Path: i.path, Op: HardLink(first)}})
			it.push(instrs...)
			return nil
		}
		it.inodes[st.Ino] = i.path
	}
	instrs = append(instrs, changeInstr{Change{Path: i.path, Op: Contents(i.newRoot)}})
	instrs = append(instrs, changeInstr{Change{Path: i.path, Op: Create(mode.FromOS(st.Mode))}})
	it.push(instrs...)
	return nil
}

// expandCompareFile emits whatever metadata differs, xattr changes,
// and either a HardLink (if the new inode was already seen) or a
// Contents replacement if the byte contents differ.
func (it *Iter) expandCompareFile(i compareFileInstr) error {
	oldFi, err := os.Lstat(i.oldRoot)
	if err != nil {
		return fmt.Errorf("changestream: stat %s: %w", i.oldRoot, err)
	}
	newFi, err := os.Lstat(i.newRoot)
	if err != nil {
		return fmt.Errorf("changestream: stat %s: %w", i.newRoot, err)
	}

	var instrs []instruction
	if op, ok := maybeChown(oldFi, newFi); ok {
		instrs = append(instrs, changeInstr{Change{Path: i.path, Op: op}})
	}
	if op, ok := maybeChmod(oldFi, newFi); ok {
		instrs = append(instrs, changeInstr{Change{Path: i.path, Op: op}})
	}
	if op, ok := maybeSetTimes(oldFi, newFi); ok {
		instrs = append(instrs, changeInstr{Change{Path: i.path, Op: op}})
	}
	xattrChanges, err := xattrOps(i.oldRoot, i.newRoot)
	if err != nil {
		return err
	}
	for _, op := range xattrChanges {
		instrs = append(instrs, changeInstr{Change{Path: i.path, Op: op}})
	}

	if newFi.Mode()&os.ModeSymlink != 0 {
		oldTarget, _ := os.Readlink(i.oldRoot)
		newTarget, err := os.Readlink(i.newRoot)
		if err != nil {
			return fmt.Errorf("changestream: readlink %s: %w", i.newRoot, err)
		}
		if oldTarget != newTarget {
			instrs = append(instrs, changeInstr{Change{Path: i.path, Op: Symlink(newTarget)}})
		}
		it.push(instrs...)
		return nil
	}

	if st, ok := newFi.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
		if first, seen := it.inodes[st.Ino]; seen {
			instrs = append(instrs, changeInstr{Change{Path: i.path, Op: HardLink(first)}})
			it.push(instrs...)
			return nil
		}
		it.inodes[st.Ino] = i.path
	}

	same, err := xfer.SameContent(i.oldRoot, i.newRoot)
	if err != nil {
		return fmt.Errorf("changestream: comparing %s: %w", i.path, err)
	}
	if !same {
		instrs = append(instrs, changeInstr{Change{Path: i.path, Op: Contents(i.newRoot)}})
	}
	it.push(instrs...)
	return nil
}

func maybeChown(old, new os.FileInfo) (Operation, bool) {
	oldSt, ok1 := old.Sys().(*syscall.Stat_t)
	newSt, ok2 := new.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return Operation{}, false
	}
	if oldSt.Uid == newSt.Uid && oldSt.Gid == newSt.Gid {
		return Operation{}, false
	}
	return Chown(newSt.Uid, newSt.Gid), true
}

func maybeChmod(old, new os.FileInfo) (Operation, bool) {
	oldSt, ok1 := old.Sys().(*syscall.Stat_t)
	newSt, ok2 := new.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return Operation{}, false
	}
	oldMode := mode.FromOS(oldSt.Mode)
	newMode := mode.FromOS(newSt.Mode)
	if oldMode == newMode {
		return Operation{}, false
	}
	return Chmod(newMode), true
}

// maybeSetTimes compares mtime only: atime is touched by ordinary
// reads on most filesystems and isn't a meaningful signal of change,
// but the emitted operation still carries the new tree's atime
// alongside it since Operation.SetTimes always sets both.
func maybeSetTimes(old, new os.FileInfo) (Operation, bool) {
	if old.ModTime().Equal(new.ModTime()) {
		return Operation{}, false
	}
	newSt, ok := new.Sys().(*syscall.Stat_t)
	if !ok {
		return SetTimes(new.ModTime(), new.ModTime()), true
	}
	return SetTimes(statTime(newSt.Atim), new.ModTime()), true
}

// xattrOps diffs old and new's full xattr sets into SetXattr (added
// or changed) and RemoveXattr (removed) operations.
func xattrOps(oldPath, newPath string) ([]Operation, error) {
	oldXattrs, err := xfer.Xattrs(oldPath)
	if err != nil {
		return nil, fmt.Errorf("changestream: reading xattrs of %s: %w", oldPath, err)
	}
	newXattrs, err := xfer.Xattrs(newPath)
	if err != nil {
		return nil, fmt.Errorf("changestream: reading xattrs of %s: %w", newPath, err)
	}

	var names []string
	seen := map[string]bool{}
	for name := range oldXattrs {
		names = append(names, name)
		seen[name] = true
	}
	for name := range newXattrs {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var ops []Operation
	for _, name := range names {
		oldVal, hadOld := oldXattrs[name]
		newVal, hasNew := newXattrs[name]
		switch {
		case hasNew && (!hadOld || !bytes.Equal(oldVal, newVal)):
			ops = append(ops, SetXattr(name, newVal))
		case hadOld && !hasNew:
			ops = append(ops, RemoveXattr(name))
		}
	}
	return ops, nil
}

func sortedDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("changestream: reading %s: %w", dir, err)
	}
	names := make([]string, len(entries))
	for idx, e := range entries {
		names[idx] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}
