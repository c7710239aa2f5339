// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ocipkg

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antlir2/antlir2/lib/changestream"
)

func readEntries(t *testing.T, data []byte) []*tar.Header {
	t.Helper()
	var hdrs []*tar.Header
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		hdrs = append(hdrs, hdr)
	}
	return hdrs
}

func TestWriteLayerDeterministicMtime(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	var out bytes.Buffer
	require.NoError(t, WriteLayer(changestream.FromEmpty(root), &out))

	for _, hdr := range readEntries(t, out.Bytes()) {
		assert.Equal(t, epoch, hdr.ModTime, "entry %s", hdr.Name)
	}
}

func TestWriteLayerWhiteout(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	child := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "gone"), []byte("x"), 0o644))

	var out bytes.Buffer
	require.NoError(t, WriteLayer(changestream.Diff(parent, child), &out))

	var names []string
	for _, hdr := range readEntries(t, out.Bytes()) {
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, ".wh.gone")
}

func TestWriteLayerHardLink(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644))
	require.NoError(t, os.Link(filepath.Join(root, "a"), filepath.Join(root, "b")))

	var out bytes.Buffer
	require.NoError(t, WriteLayer(changestream.FromEmpty(root), &out))

	var linkHdr *tar.Header
	for _, hdr := range readEntries(t, out.Bytes()) {
		if hdr.Typeflag == tar.TypeLink {
			linkHdr = hdr
		}
	}
	require.NotNil(t, linkHdr)
	assert.Equal(t, "a", linkHdr.Linkname)
}
