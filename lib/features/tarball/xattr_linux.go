// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

package tarball

import (
	"archive/tar"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// applyXattrs sets every SCHILY.xattr.<name> PAX record tar recorded
// for this entry, the same convention GNU tar and the OCI image spec
// use for carrying xattrs through a tar stream.
func applyXattrs(dst string, pax map[string]string) error {
	const prefix = "SCHILY.xattr."
	for k, v := range pax {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		if err := unix.Lsetxattr(dst, name, []byte(v), 0); err != nil {
			return fmt.Errorf("tarball: setxattr %s on %s: %w", name, dst, err)
		}
	}
	return nil
}

func extractSpecial(hdr *tar.Header, dst string, uid, gid int) error {
	var mode uint32
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode = unix.S_IFCHR
	case tar.TypeBlock:
		mode = unix.S_IFBLK
	case tar.TypeFifo:
		mode = unix.S_IFIFO
	default:
		return fmt.Errorf("tarball: unsupported entry type %q for %s", string(hdr.Typeflag), dst)
	}
	mode |= uint32(hdr.Mode) & 0o7777
	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
	if err := unix.Mknod(dst, mode, int(dev)); err != nil {
		return fmt.Errorf("tarball: mknod %s: %w", dst, err)
	}
	return unix.Lchown(dst, uid, gid)
}
