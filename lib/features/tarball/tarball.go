// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tarball implements the tarball feature kind: extracting a
// .tar, .tar.gz, or .tar.zst archive into the image, preserving
// mtime, mode, ownership, and xattrs.
package tarball

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	"github.com/antlir2/antlir2/lib/mode"
)

const Kind = "tarball"

func init() {
	features.Register(Kind, decode)
}

// Feature is the tarball feature kind's feature JSON.
type Feature struct {
	Src                string `json:"src"`
	IntoDir            string `json:"into_dir"`
	ForceRootOwnership bool   `json:"force_root_ownership"`
	StripComponents    int    `json:"strip_components"`
}

func decode(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) Kind() string { return Kind }

// openArchive opens src and wraps it in the decompressor its
// extension implies; closeFn must be called once the returned reader
// is done with (it closes both the decompressor and the underlying
// file, where applicable).
func (f *Feature) openArchive() (io.Reader, func() error, error) {
	file, err := os.Open(f.Src)
	if err != nil {
		return nil, nil, fmt.Errorf("tarball: opening %s: %w", f.Src, err)
	}
	ext := strings.TrimPrefix(filepath.Ext(f.Src), ".")
	switch ext {
	case "tar":
		return file, file.Close, nil
	case "gz", "tgz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("tarball: opening gzip stream: %w", err)
		}
		return gz, func() error { gz.Close(); return file.Close() }, nil
	case "zst", "zstd":
		zr, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("tarball: opening zstd stream: %w", err)
		}
		return zr, func() error { zr.Close(); return file.Close() }, nil
	default:
		file.Close()
		return nil, nil, fmt.Errorf("tarball: unrecognized archive extension %q", f.Src)
	}
}

// stripped returns hdrPath with StripComponents leading path elements
// removed, joined onto IntoDir; ok is false if the entry has no more
// components than StripComponents (and so is skipped entirely).
func (f *Feature) stripped(hdrPath string) (dst string, ok bool) {
	clean := strings.TrimPrefix(path.Clean("/"+hdrPath), "/")
	if clean == "" {
		return f.IntoDir, true
	}
	parts := strings.Split(clean, "/")
	if len(parts) <= f.StripComponents {
		return "", false
	}
	return path.Join(append([]string{f.IntoDir}, parts[f.StripComponents:]...)...), true
}

func (f *Feature) Provides() containers.Set[depgraph.Item] {
	set := containers.NewSet[depgraph.Item]()
	r, closeFn, err := f.openArchive()
	if err != nil {
		return set
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return set
		}
		dst, ok := f.stripped(hdr.Name)
		if !ok {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			set.Insert(depgraph.PathItem(dst, true, mode.FromOS(uint32(hdr.Mode))))
		case tar.TypeSymlink, tar.TypeLink:
			set.Insert(depgraph.PathItem(dst, false, mode.Mode(0o777)))
		case tar.TypeReg, tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			set.Insert(depgraph.PathItem(dst, false, mode.FromOS(uint32(hdr.Mode))))
		}
	}
	return set
}

func (f *Feature) Requires() []depgraph.Requirement {
	parent := path.Dir(f.IntoDir)
	if parent == "/" || parent == "." || parent == "" {
		return nil
	}
	return []depgraph.Requirement{depgraph.RequirePath(parent, depgraph.ValidateIsDir())}
}

func (f *Feature) Compile(ctx *compilerctx.CompilerContext) error {
	r, closeFn, err := f.openArchive()
	if err != nil {
		return err
	}
	defer closeFn()

	dst, err := ctx.DstPath(f.IntoDir)
	if err != nil {
		return fmt.Errorf("tarball: resolving %s: %w", f.IntoDir, err)
	}

	if f.StripComponents == 0 {
		return extractTo(tar.NewReader(r), dst, f.ForceRootOwnership)
	}

	tmp, err := os.MkdirTemp(ctx.Root(), "tarball-*")
	if err != nil {
		return fmt.Errorf("tarball: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractTo(tar.NewReader(r), tmp, f.ForceRootOwnership); err != nil {
		return err
	}

	firstDir := tmp
	for depth := 0; depth < f.StripComponents; depth++ {
		entries, err := os.ReadDir(firstDir)
		if err != nil {
			return fmt.Errorf("tarball: reading %s: %w", firstDir, err)
		}
		if len(entries) != 1 {
			return fmt.Errorf("tarball: expected exactly one entry in %s after stripping components, saw %d", firstDir, len(entries))
		}
		firstDir = filepath.Join(firstDir, entries[0].Name())
	}
	if err := os.Rename(firstDir, dst); err != nil {
		return fmt.Errorf("tarball: moving extracted %s to %s: %w", firstDir, dst, err)
	}
	return nil
}

// extractTo unpacks every entry of tr under dstRoot, preserving mode,
// ownership (unless forceRoot), mtime, and xattrs.
func extractTo(tr *tar.Reader, dstRoot string, forceRoot bool) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tarball: reading archive: %w", err)
		}
		dst := filepath.Join(dstRoot, filepath.FromSlash(hdr.Name))
		uid, gid := hdr.Uid, hdr.Gid
		if forceRoot {
			uid, gid = 0, 0
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, os.FileMode(hdr.Mode&0o7777)); err != nil {
				return fmt.Errorf("tarball: creating %s: %w", dst, err)
			}
			if err := os.Chown(dst, uid, gid); err != nil {
				return fmt.Errorf("tarball: chown %s: %w", dst, err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(dst)
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return fmt.Errorf("tarball: symlinking %s: %w", dst, err)
			}
			_ = os.Lchown(dst, uid, gid)
		case tar.TypeLink:
			target := filepath.Join(dstRoot, filepath.FromSlash(hdr.Linkname))
			_ = os.Remove(dst)
			if err := os.Link(target, dst); err != nil {
				return fmt.Errorf("tarball: hardlinking %s: %w", dst, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, hdr, dst, uid, gid); err != nil {
				return err
			}
		default:
			// char/block/fifo devices need mknod (CAP_MKNOD), left
			// to a privileged build; antlir2 images are built as
			// root so this is the common case, but is not exercised
			// by unprivileged tests.
			if err := extractSpecial(hdr, dst, uid, gid); err != nil {
				return err
			}
		}
		if err := applyXattrs(dst, hdr.PAXRecords); err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeSymlink {
			_ = os.Chtimes(dst, hdr.AccessTime, hdr.ModTime)
		}
	}
}

func extractFile(tr *tar.Reader, hdr *tar.Header, dst string, uid, gid int) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("tarball: creating %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o7777))
	if err != nil {
		return fmt.Errorf("tarball: creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return fmt.Errorf("tarball: extracting %s: %w", dst, err)
	}
	if err := out.Chown(uid, gid); err != nil {
		out.Close()
		return fmt.Errorf("tarball: chown %s: %w", dst, err)
	}
	return out.Close()
}
