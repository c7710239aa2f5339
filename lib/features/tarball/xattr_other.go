// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package tarball

import (
	"archive/tar"
	"fmt"
)

func applyXattrs(dst string, pax map[string]string) error {
	return nil
}

func extractSpecial(hdr *tar.Header, dst string, uid, gid int) error {
	return fmt.Errorf("tarball: device/fifo entries are only supported on linux (%s)", dst)
}
