// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ocipkg packages a finished image as an OCI image: one tar
// layer per changestream.Change sequence, and the surrounding OCI
// layout (oci-layout, index.json, and digest-named blobs for the
// layers, config and manifest) that `skopeo`/`podman`/any
// OCI-compliant runtime can load directly.
package ocipkg

import (
	"archive/tar"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/antlir2/antlir2/lib/changestream"
)

// epoch is the deterministic mtime every tar entry carries regardless
// of its source file's actual mtime, so that packaging the same image
// twice produces byte-identical layers. 2004-02-04 00:00:00 UTC, the
// same reference point the original packager used.
var epoch = time.Unix(1075852800, 0).UTC()

const whiteoutPrefix = ".wh."
const xattrPAXPrefix = "SCHILY.xattr."

// WriteLayer drains it, writing one tar entry per Change to w: regular
// file content for Create/Contents, a directory entry for Mkdir, a
// symlink entry for Symlink, a hardlink entry for HardLink, and an OCI
// whiteout entry (`<dir>/.wh.<name>`) for Unlink/Rmdir. Metadata-only
// operations (Chmod, Chown, SetTimes, SetXattr, RemoveXattr) update an
// in-memory pending header for the path and are flushed the next time
// that path's entry is actually written, mirroring how the
// change-stream interleaves a Create/Mkdir with its followup metadata
// Changes. Directory entries are written after all other entries, in
// path order, so they carry every metadata Change that followed their
// Mkdir.
func WriteLayer(it *changestream.Iter, w io.Writer) error {
	tw := tar.NewWriter(w)
	pending := map[string]*tar.Header{}

	flush := func(path string) *tar.Header {
		hdr, ok := pending[path]
		if !ok {
			hdr = &tar.Header{
				Name:     tarName(path, false),
				ModTime:  epoch,
				Typeflag: tar.TypeReg,
			}
			pending[path] = hdr
		}
		return hdr
	}

	for {
		ch, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("ocipkg: reading change stream: %w", err)
		}
		if !ok {
			break
		}
		if err := applyChange(tw, pending, flush, ch); err != nil {
			return fmt.Errorf("ocipkg: %s: %w", ch.Path, err)
		}
	}
	var dirs []string
	for p, hdr := range pending {
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, p)
		}
	}
	sort.Strings(dirs)
	for _, p := range dirs {
		if err := tw.WriteHeader(pending[p]); err != nil {
			return fmt.Errorf("ocipkg: writing header for %s: %w", p, err)
		}
	}
	return tw.Close()
}

func applyChange(tw *tar.Writer, pending map[string]*tar.Header, flush func(string) *tar.Header, ch changestream.Change) error {
	op := ch.Op
	switch op.Kind {
	case changestream.OpMkdir:
		hdr := flush(ch.Path)
		hdr.Typeflag = tar.TypeDir
		hdr.Name = tarName(ch.Path, true)
		hdr.Mode = int64(op.Mode)
		return nil
	case changestream.OpCreate:
		hdr := flush(ch.Path)
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = int64(op.Mode)
		return nil
	case changestream.OpChmod:
		flush(ch.Path).Mode = int64(op.Mode)
		return nil
	case changestream.OpChown:
		hdr := flush(ch.Path)
		hdr.Uid = int(op.UID)
		hdr.Gid = int(op.GID)
		return nil
	case changestream.OpSetTimes:
		// Deliberately not applied: every entry's ModTime is pinned to
		// epoch so repackaging an unchanged image is byte-identical.
		return nil
	case changestream.OpSetXattr:
		hdr := flush(ch.Path)
		if hdr.PAXRecords == nil {
			hdr.PAXRecords = map[string]string{}
		}
		hdr.PAXRecords[xattrPAXPrefix+op.XattrName] = string(op.XattrValue)
		return nil
	case changestream.OpRemoveXattr:
		hdr := flush(ch.Path)
		delete(hdr.PAXRecords, xattrPAXPrefix+op.XattrName)
		return nil
	case changestream.OpSymlink:
		return writeSymlink(tw, pending, ch.Path, op.Target)
	case changestream.OpHardLink:
		return writeHardLink(tw, pending, ch.Path, op.Target)
	case changestream.OpContents:
		return writeContents(tw, pending, ch.Path, op.ContentPath)
	case changestream.OpUnlink, changestream.OpRmdir:
		delete(pending, ch.Path)
		return writeWhiteout(tw, ch.Path)
	case changestream.OpRename:
		// A Rename never appears against a fresh (from-empty) tree and
		// this packager only ever consumes changestream.FromEmpty, so
		// there is nothing to rename within a single layer.
		return fmt.Errorf("rename is not representable within a single OCI layer")
	default:
		return nil
	}
}

// writeContents flushes path's pending header (falling back to a bare
// regular-file header if none is pending, e.g. an unchanged file
// whose only Change is Contents) with its final size and writes
// contentPath's bytes as the entry body.
func writeContents(tw *tar.Writer, pending map[string]*tar.Header, path, contentPath string) error {
	f, err := openFile(contentPath)
	if err != nil {
		return err
	}
	defer f.Close()
	size, err := fileSize(f)
	if err != nil {
		return err
	}

	hdr := pending[path]
	if hdr == nil {
		hdr = &tar.Header{Name: tarName(path, false), ModTime: epoch, Typeflag: tar.TypeReg, Mode: 0o644}
	}
	hdr.Size = size
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing contents of %s: %w", path, err)
	}
	delete(pending, path)
	return nil
}

func writeSymlink(tw *tar.Writer, pending map[string]*tar.Header, path, target string) error {
	hdr := &tar.Header{
		Name:     tarName(path, false),
		Typeflag: tar.TypeSymlink,
		Linkname: target,
		ModTime:  epoch,
	}
	if p, ok := pending[path]; ok {
		hdr.Uid, hdr.Gid, hdr.PAXRecords = p.Uid, p.Gid, p.PAXRecords
	}
	delete(pending, path)
	return tw.WriteHeader(hdr)
}

func writeHardLink(tw *tar.Writer, pending map[string]*tar.Header, path, target string) error {
	hdr := &tar.Header{
		Name:     tarName(path, false),
		Typeflag: tar.TypeLink,
		Linkname: tarName(target, false),
		ModTime:  epoch,
	}
	delete(pending, path)
	return tw.WriteHeader(hdr)
}

// writeWhiteout emits the OCI/AUFS-style whiteout entry
// `<parent>/.wh.<name>` recording a deletion for a later layer to
// apply atop an earlier one.
func writeWhiteout(tw *tar.Writer, path string) error {
	dir, name := splitPath(path)
	hdr := &tar.Header{
		Name:     tarName(joinPath(dir, whiteoutPrefix+name), false),
		Typeflag: tar.TypeReg,
		ModTime:  epoch,
	}
	return tw.WriteHeader(hdr)
}
