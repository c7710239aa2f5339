// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package changestream implements the depth-first tree diff that
// converts a (parent, child) pair of directory snapshots into an
// ordered stream of filesystem operations, consumed by the OCI-layer
// and btrfs send-stream packagers.
//
// The walk is driven by an explicit instruction stack rather than
// recursion, so a deeply nested tree cannot blow the native call
// stack.
package changestream

import (
	"time"

	"github.com/antlir2/antlir2/lib/mode"
)

// OpKind discriminates the primitive filesystem mutations a Change
// can carry.
type OpKind string

const (
	OpMkdir       OpKind = "mkdir"
	OpRmdir       OpKind = "rmdir"
	OpCreate      OpKind = "create"
	OpUnlink      OpKind = "unlink"
	OpMkfifo      OpKind = "mkfifo"
	OpMknod       OpKind = "mknod"
	OpChmod       OpKind = "chmod"
	OpChown       OpKind = "chown"
	OpSetTimes    OpKind = "set_times"
	OpHardLink    OpKind = "hardlink"
	OpSymlink     OpKind = "symlink"
	OpRename      OpKind = "rename"
	OpContents    OpKind = "contents"
	OpSetXattr    OpKind = "set_xattr"
	OpRemoveXattr OpKind = "remove_xattr"
)

// Operation is the primitive fs mutation a Change carries; only the
// fields relevant to Kind are meaningful.
type Operation struct {
	Kind OpKind

	Mode  mode.Mode
	UID   uint32
	GID   uint32
	Atime time.Time
	Mtime time.Time
	// Target is the link target for HardLink/Symlink, or the
	// destination path for Rename.
	Target string
	Rdev   uint64
	// XattrName/XattrValue are set for SetXattr/RemoveXattr.
	XattrName  string
	XattrValue []byte
	// ContentPath is the absolute source-tree path a Contents
	// operation's bytes should be streamed from; the emitter reads it
	// lazily rather than buffering file contents into the operation.
	ContentPath string
}

func Mkdir(m mode.Mode) Operation  { return Operation{Kind: OpMkdir, Mode: m} }
func Rmdir() Operation             { return Operation{Kind: OpRmdir} }
func Create(m mode.Mode) Operation { return Operation{Kind: OpCreate, Mode: m} }
func Unlink() Operation            { return Operation{Kind: OpUnlink} }
func Mkfifo(m mode.Mode) Operation { return Operation{Kind: OpMkfifo, Mode: m} }
func Mknod(rdev uint64, m mode.Mode) Operation {
	return Operation{Kind: OpMknod, Rdev: rdev, Mode: m}
}
func Chmod(m mode.Mode) Operation { return Operation{Kind: OpChmod, Mode: m} }
func Chown(uid, gid uint32) Operation {
	return Operation{Kind: OpChown, UID: uid, GID: gid}
}
func SetTimes(atime, mtime time.Time) Operation {
	return Operation{Kind: OpSetTimes, Atime: atime, Mtime: mtime}
}
func HardLink(target string) Operation { return Operation{Kind: OpHardLink, Target: target} }
func Symlink(target string) Operation  { return Operation{Kind: OpSymlink, Target: target} }
func Rename(to string) Operation       { return Operation{Kind: OpRename, Target: to} }
func Contents(sourcePath string) Operation {
	return Operation{Kind: OpContents, ContentPath: sourcePath}
}
func SetXattr(name string, value []byte) Operation {
	return Operation{Kind: OpSetXattr, XattrName: name, XattrValue: value}
}
func RemoveXattr(name string) Operation {
	return Operation{Kind: OpRemoveXattr, XattrName: name}
}

// Change pairs a path with the Operation to perform on it.
type Change struct {
	Path string
	Op   Operation
}
