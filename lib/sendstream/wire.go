// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sendstream encodes a changestream.Iter as a btrfs send-stream
// v1 byte stream: the wire format `btrfs receive` consumes to replay a
// subvolume's history without needing the original filesystem mounted.
//
// The format is a 17-byte header ("btrfs-stream\0" + a u32 version)
// followed by a sequence of commands, each a 10-byte header (body
// length, command type, CRC32C of the whole command) and a body made
// of TLV-encoded attributes. Both the command and attribute type
// numbers below are the kernel's BTRFS_SEND_C_*/BTRFS_SEND_A_*
// constants; nothing about them is configurable.
package sendstream

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/antlir2/antlir2/lib/binstruct"
)

const (
	magic         = "btrfs-stream\x00"
	streamVersion = 1

	// writeChunkSize bounds a single WRITE command's data attribute.
	// The kernel's own send implementation caps it below 64KiB so the
	// attribute's u16 length field and surrounding TLV overhead never
	// approach its limit, rounded down to a 4KiB page boundary.
	writeChunkSize = 61440
)

type cmdType uint16

const (
	cmdUnspec       cmdType = 0
	cmdSubvol       cmdType = 1
	cmdSnapshot     cmdType = 2
	cmdMkfile       cmdType = 3
	cmdMkdir        cmdType = 4
	cmdMknod        cmdType = 5
	cmdMkfifo       cmdType = 6
	cmdMksock       cmdType = 7
	cmdSymlink      cmdType = 8
	cmdRename       cmdType = 9
	cmdLink         cmdType = 10
	cmdUnlink       cmdType = 11
	cmdRmdir        cmdType = 12
	cmdSetXattr     cmdType = 13
	cmdRemoveXattr  cmdType = 14
	cmdWrite        cmdType = 15
	cmdClone        cmdType = 16
	cmdTruncate     cmdType = 17
	cmdChmod        cmdType = 18
	cmdChown        cmdType = 19
	cmdUtimes       cmdType = 20
	cmdEnd          cmdType = 21
	cmdUpdateExtent cmdType = 22
)

type attrType uint16

const (
	attrUnspec        attrType = 0
	attrUUID          attrType = 1
	attrCtransid      attrType = 2
	attrIno           attrType = 3
	attrSize          attrType = 4
	attrMode          attrType = 5
	attrUID           attrType = 6
	attrGID           attrType = 7
	attrRdev          attrType = 8
	attrCtime         attrType = 9
	attrMtime         attrType = 10
	attrAtime         attrType = 11
	attrOtime         attrType = 12
	attrXattrName     attrType = 13
	attrXattrData     attrType = 14
	attrPath          attrType = 15
	attrPathTo        attrType = 16
	attrPathLink      attrType = 17
	attrFileOffset    attrType = 18
	attrData          attrType = 19
	attrCloneUUID     attrType = 20
	attrCloneCtransid attrType = 21
	attrClonePath     attrType = 22
	attrCloneOffset   attrType = 23
	attrCloneLen      attrType = 24
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// command accumulates one command's TLV attribute body; writeTo frames
// it with the length/type/crc header the kernel's parser expects.
type command struct {
	kind cmdType
	body bytes.Buffer
}

func newCommand(kind cmdType) *command {
	return &command{kind: kind}
}

func (c *command) attr(t attrType, data []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(t))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(data)))
	c.body.Write(hdr[:])
	c.body.Write(data)
}

func (c *command) strAttr(t attrType, s string) { c.attr(t, []byte(s)) }

func (c *command) u16(t attrType, v uint16) {
	b, _ := binstruct.U16le(v).MarshalBinary()
	c.attr(t, b)
}

func (c *command) u32(t attrType, v uint32) {
	b, _ := binstruct.U32le(v).MarshalBinary()
	c.attr(t, b)
}

func (c *command) u64(t attrType, v uint64) {
	b, _ := binstruct.U64le(v).MarshalBinary()
	c.attr(t, b)
}

// timespec encodes a time the way the kernel's struct btrfs_timespec
// does: a u64 second count and a u32 nanosecond remainder.
func (c *command) timespec(t attrType, when time.Time) {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(when.Unix()))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(when.Nanosecond()))
	c.attr(t, buf[:])
}

// writeTo frames the command and writes it to w: a 10-byte header
// (body length, command type, CRC32C) followed by the body.
func (c *command) writeTo(w io.Writer) error {
	body := c.body.Bytes()
	var hdr [10]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(c.kind))
	// The crc field (hdr[6:10]) is computed with itself held at zero.
	crc := crc32.Checksum(hdr[:], crc32cTable)
	crc = crc32.Update(crc, crc32cTable, body)
	binary.LittleEndian.PutUint32(hdr[6:10], crc)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
