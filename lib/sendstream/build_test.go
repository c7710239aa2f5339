// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package sendstream

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antlir2/antlir2/lib/changestream"
)

// readCommands parses buf (everything after the 17-byte stream
// header) into a slice of (cmd type, body) pairs, verifying each
// command's CRC32C along the way.
func readCommands(t *testing.T, buf []byte) []struct {
	kind cmdType
	body []byte
} {
	t.Helper()
	var out []struct {
		kind cmdType
		body []byte
	}
	for len(buf) > 0 {
		require.GreaterOrEqual(t, len(buf), 10)
		bodyLen := binary.LittleEndian.Uint32(buf[0:4])
		kind := cmdType(binary.LittleEndian.Uint16(buf[4:6]))
		wantCRC := binary.LittleEndian.Uint32(buf[6:10])
		body := buf[10 : 10+bodyLen]

		hdr := make([]byte, 10)
		copy(hdr, buf[0:10])
		hdr[6], hdr[7], hdr[8], hdr[9] = 0, 0, 0, 0
		gotCRC := crc32.Checksum(hdr, crc32cTable)
		gotCRC = crc32.Update(gotCRC, crc32cTable, body)
		assert.Equal(t, wantCRC, gotCRC, "command %d crc", kind)

		out = append(out, struct {
			kind cmdType
			body []byte
		}{kind, append([]byte(nil), body...)})
		buf = buf[10+bodyLen:]
	}
	return out
}

func TestBuildHeaderAndTermination(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("hello"), 0o644))

	var out bytes.Buffer
	require.NoError(t, Build(changestream.FromEmpty(root), &out, "myvol"))

	buf := out.Bytes()
	require.Greater(t, len(buf), 17)
	assert.Equal(t, magic, string(buf[0:13]))
	assert.Equal(t, uint32(streamVersion), binary.LittleEndian.Uint32(buf[13:17]))

	cmds := readCommands(t, buf[17:])
	require.NotEmpty(t, cmds)
	assert.Equal(t, cmdSubvol, cmds[0].kind)
	assert.Equal(t, cmdEnd, cmds[len(cmds)-1].kind)
}

func TestBuildWriteCommandChunking(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	data := bytes.Repeat([]byte("x"), writeChunkSize+1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big"), data, 0o644))

	var out bytes.Buffer
	require.NoError(t, Build(changestream.FromEmpty(root), &out, "myvol"))

	cmds := readCommands(t, out.Bytes()[17:])
	var writes int
	for _, c := range cmds {
		if c.kind == cmdWrite {
			writes++
		}
	}
	assert.Equal(t, 2, writes, "chunking should split a writeChunkSize+1 byte file into two WRITE commands")
}

func TestRelPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ".", relPath("/"))
	assert.Equal(t, "a/b", relPath("/a/b"))
}
