// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ocipkg

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// tarName converts a changestream path (always "/"-rooted) to the
// slash-relative, trailing-slash-for-directories form the tar format
// expects, e.g. "/a/b" -> "a/b", "/" -> ".".
func tarName(p string, isDir bool) string {
	clean := strings.TrimPrefix(path.Clean(p), "/")
	if clean == "" {
		clean = "."
	}
	if isDir && clean != "." {
		clean += "/"
	}
	return clean
}

func splitPath(p string) (dir, name string) {
	clean := path.Clean(p)
	dir, name = path.Split(clean)
	return strings.TrimSuffix(dir, "/"), name
}

func joinPath(dir, name string) string {
	if dir == "" {
		return "/" + name
	}
	return dir + "/" + name
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ocipkg: opening %s: %w", path, err)
	}
	return f, nil
}

func fileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("ocipkg: stat: %w", err)
	}
	return fi.Size(), nil
}
