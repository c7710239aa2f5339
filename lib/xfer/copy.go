// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfer implements the byte-for-byte, metadata-preserving file
// copy that install, clone, and extract all need: content, mode,
// ownership, mtime, and xattrs carried over from src to dst.
package xfer

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// SameContent reports whether a and b exist and have byte-identical
// contents; used by install/extract to turn a re-install of the same
// file into a no-op instead of an error.
func SameContent(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer fb.Close()

	sa, err := fa.Stat()
	if err != nil {
		return false, err
	}
	sb, err := fb.Stat()
	if err != nil {
		return false, err
	}
	if sa.Size() != sb.Size() {
		return false, nil
	}

	const chunk = 64 * 1024
	bufA := make([]byte, chunk)
	bufB := make([]byte, chunk)
	for {
		na, erra := io.ReadFull(fa, bufA)
		nb, errb := io.ReadFull(fb, bufB)
		if na != nb {
			return false, nil
		}
		if string(bufA[:na]) != string(bufB[:nb]) {
			return false, nil
		}
		if erra == io.EOF || erra == io.ErrUnexpectedEOF {
			return errb == io.EOF || errb == io.ErrUnexpectedEOF, nil
		}
		if erra != nil {
			return false, erra
		}
	}
}

// CopyFile copies src to dst (a regular file, never a directory),
// then overrides dst's owner to uid/gid, its mode to perm, and its
// mtime/atime to match src. dst is created if absent and truncated if
// present.
func CopyFile(src, dst string, uid, gid uint32, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("xfer: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("xfer: creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("xfer: copying %s to %s: %w", src, dst, err)
	}
	if err := out.Chmod(perm); err != nil {
		out.Close()
		return fmt.Errorf("xfer: chmod %s: %w", dst, err)
	}
	if err := out.Chown(int(uid), int(gid)); err != nil {
		out.Close()
		return fmt.Errorf("xfer: chown %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("xfer: closing %s: %w", dst, err)
	}
	if err := syncTimes(src, dst); err != nil {
		return fmt.Errorf("xfer: syncing times on %s: %w", dst, err)
	}
	if err := copyXattrs(src, dst); err != nil {
		return fmt.Errorf("xfer: copying xattrs from %s to %s: %w", src, dst, err)
	}
	return nil
}

// syncTimes carries src's atime/mtime over to dst, purely for build
// reproducibility (one less entropic difference between runs whose
// inputs didn't change); it is never load-bearing for correctness.
func syncTimes(src, dst string) error {
	var st unix.Stat_t
	if err := unix.Stat(src, &st); err != nil {
		return err
	}
	atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
	mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	return os.Chtimes(dst, atime, mtime)
}

// maxXattrSize bounds a single xattr value; attributes antlir2 ever
// copies (selinux contexts, capabilities, PAX-worthy xattrs) are a few
// hundred bytes at most.
const maxXattrSize = 64 * 1024

func copyXattrs(src, dst string) error {
	names, err := listXattrs(src)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil
		}
		return err
	}
	buf := make([]byte, maxXattrSize)
	for _, name := range names {
		n, err := unix.Getxattr(src, name, buf)
		if err != nil {
			return fmt.Errorf("getxattr %s on %s: %w", name, src, err)
		}
		if err := unix.Setxattr(dst, name, buf[:n], 0); err != nil {
			return fmt.Errorf("setxattr %s on %s: %w", name, dst, err)
		}
	}
	return nil
}

// Xattrs returns every extended attribute set on path as a
// name -> value map, for callers (the change-stream diff) that need
// to compare two files' full xattr sets rather than just copy them.
func Xattrs(path string) (map[string][]byte, error) {
	names, err := listXattrs(path)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[string][]byte, len(names))
	buf := make([]byte, maxXattrSize)
	for _, name := range names {
		n, err := unix.Getxattr(path, name, buf)
		if err != nil {
			return nil, fmt.Errorf("getxattr %s on %s: %w", name, path, err)
		}
		val := make([]byte, n)
		copy(val, buf[:n])
		out[name] = val
	}
	return out, nil
}

func listXattrs(path string) ([]string, error) {
	size, err := unix.Listxattr(path, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(path, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, raw := range splitNul(buf[:n]) {
		if raw != "" {
			names = append(names, raw)
		}
	}
	return names, nil
}

func splitNul(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			out = append(out, string(buf[start:i]))
			start = i + 1
		}
	}
	return out
}
