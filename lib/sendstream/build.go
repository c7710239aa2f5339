// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package sendstream

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antlir2/antlir2/lib/changestream"
	"github.com/antlir2/antlir2/lib/linux"
)

// Writer turns a stream of changestream.Change values into a btrfs
// send-stream v1 byte stream.
type Writer struct {
	w io.Writer
}

// NewWriter writes the stream header and an initial SUBVOL command
// naming volumeName, then returns a Writer ready to receive Changes.
func NewWriter(w io.Writer, volumeName string) (*Writer, error) {
	if _, err := io.WriteString(w, magic); err != nil {
		return nil, fmt.Errorf("sendstream: writing header: %w", err)
	}
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], streamVersion)
	if _, err := w.Write(v[:]); err != nil {
		return nil, fmt.Errorf("sendstream: writing header: %w", err)
	}
	sw := &Writer{w: w}
	subvol := newCommand(cmdSubvol)
	subvol.strAttr(attrPath, volumeName)
	subvol.attr(attrUUID, make([]byte, 16))
	subvol.u64(attrCtransid, 0)
	if err := subvol.writeTo(w); err != nil {
		return nil, fmt.Errorf("sendstream: writing subvol command: %w", err)
	}
	return sw, nil
}

// End writes the terminal END command. The caller must call this
// exactly once, after the last Change.
func (sw *Writer) End() error {
	return newCommand(cmdEnd).writeTo(sw.w)
}

// relPath converts a changestream path (always "/"-rooted) to the
// stream-relative path the wire format expects, with "/" itself
// becoming ".".
func relPath(p string) string {
	if p == "/" {
		return "."
	}
	return strings.TrimPrefix(p, "/")
}

// fileTypeBits returns the S_IFxxx bits to fold into a MODE attribute
// for an operation that creates a non-regular, non-directory node;
// changestream's mode.Mode only ever carries permission bits, so the
// type bits have to come from the operation kind instead.
func fileTypeBits(k changestream.OpKind) linux.StatMode {
	switch k {
	case changestream.OpMkfifo:
		return linux.ModeFmtNamedPipe
	default:
		return 0
	}
}

// Write emits the commands for a single Change; for a Contents
// operation it reads ContentPath and chunks it into WRITE commands.
// Build calls Write for every Change of an Iter.
func (sw *Writer) Write(ch changestream.Change) error {
	path := relPath(ch.Path)
	op := ch.Op
	switch op.Kind {
	case changestream.OpMkdir:
		c := newCommand(cmdMkdir)
		c.strAttr(attrPath, path)
		return c.writeTo(sw.w)
	case changestream.OpRmdir:
		c := newCommand(cmdRmdir)
		c.strAttr(attrPath, path)
		return c.writeTo(sw.w)
	case changestream.OpCreate:
		c := newCommand(cmdMkfile)
		c.strAttr(attrPath, path)
		return c.writeTo(sw.w)
	case changestream.OpUnlink:
		c := newCommand(cmdUnlink)
		c.strAttr(attrPath, path)
		return c.writeTo(sw.w)
	case changestream.OpMkfifo:
		c := newCommand(cmdMkfifo)
		c.strAttr(attrPath, path)
		c.u64(attrMode, uint64(fileTypeBits(op.Kind))|uint64(op.Mode))
		c.u64(attrRdev, 0)
		return c.writeTo(sw.w)
	case changestream.OpMknod:
		// op.Mode only ever carries permission bits (changestream never
		// distinguishes char/block device nodes), so the S_IFxxx type
		// bits a real MKNOD command needs aren't available here yet.
		c := newCommand(cmdMknod)
		c.strAttr(attrPath, path)
		c.u64(attrMode, uint64(op.Mode))
		c.u64(attrRdev, op.Rdev)
		return c.writeTo(sw.w)
	case changestream.OpChmod:
		c := newCommand(cmdChmod)
		c.strAttr(attrPath, path)
		c.u64(attrMode, uint64(op.Mode))
		return c.writeTo(sw.w)
	case changestream.OpChown:
		c := newCommand(cmdChown)
		c.strAttr(attrPath, path)
		c.u64(attrUID, uint64(op.UID))
		c.u64(attrGID, uint64(op.GID))
		return c.writeTo(sw.w)
	case changestream.OpSetTimes:
		c := newCommand(cmdUtimes)
		c.strAttr(attrPath, path)
		c.timespec(attrAtime, op.Atime)
		c.timespec(attrMtime, op.Mtime)
		c.timespec(attrCtime, op.Mtime)
		return c.writeTo(sw.w)
	case changestream.OpHardLink:
		c := newCommand(cmdLink)
		c.strAttr(attrPath, path)
		c.strAttr(attrPathLink, relPath(op.Target))
		return c.writeTo(sw.w)
	case changestream.OpSymlink:
		c := newCommand(cmdSymlink)
		c.strAttr(attrPath, path)
		c.strAttr(attrPathLink, op.Target)
		return c.writeTo(sw.w)
	case changestream.OpRename:
		c := newCommand(cmdRename)
		c.strAttr(attrPath, path)
		c.strAttr(attrPathTo, relPath(op.Target))
		return c.writeTo(sw.w)
	case changestream.OpSetXattr:
		c := newCommand(cmdSetXattr)
		c.strAttr(attrPath, path)
		c.strAttr(attrXattrName, op.XattrName)
		c.attr(attrXattrData, op.XattrValue)
		return c.writeTo(sw.w)
	case changestream.OpRemoveXattr:
		c := newCommand(cmdRemoveXattr)
		c.strAttr(attrPath, path)
		c.strAttr(attrXattrName, op.XattrName)
		return c.writeTo(sw.w)
	case changestream.OpContents:
		return sw.writeContents(path, op.ContentPath)
	default:
		return fmt.Errorf("unhandled operation kind %q", op.Kind)
	}
}

// writeContents streams contentPath's bytes into a series of WRITE
// commands, each carrying at most writeChunkSize bytes at its own
// file offset.
func (sw *Writer) writeContents(path, contentPath string) error {
	f, err := os.Open(contentPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", contentPath, err)
	}
	defer f.Close()

	buf := make([]byte, writeChunkSize)
	var offset uint64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			c := newCommand(cmdWrite)
			c.strAttr(attrPath, path)
			c.u64(attrFileOffset, offset)
			c.attr(attrData, buf[:n])
			if werr := c.writeTo(sw.w); werr != nil {
				return werr
			}
			offset += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", contentPath, err)
		}
	}
}

// Build drains it, emitting every Change as commands on w and
// terminating the stream with an END command. volumeName names the
// subvolume in the stream's initial SUBVOL command.
func Build(it *changestream.Iter, w io.Writer, volumeName string) error {
	sw, err := NewWriter(w, volumeName)
	if err != nil {
		return err
	}
	for {
		ch, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("sendstream: reading change stream: %w", err)
		}
		if !ok {
			break
		}
		if err := sw.Write(ch); err != nil {
			return fmt.Errorf("sendstream: %s: %w", ch.Path, err)
		}
	}
	return sw.End()
}
