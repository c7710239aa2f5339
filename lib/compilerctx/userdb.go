// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package compilerctx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/antlir2/antlir2/lib/usergroup"
)

// NoSuchUser is returned by UID when name isn't in the image's
// /etc/passwd.
type NoSuchUser struct{ Name string }

func (e *NoSuchUser) Error() string { return fmt.Sprintf("no such user: %q", e.Name) }

// NoSuchGroup is returned by GID when name isn't in the image's
// /etc/group.
type NoSuchGroup struct{ Name string }

func (e *NoSuchGroup) Error() string { return fmt.Sprintf("no such group: %q", e.Name) }

// UID resolves a username to a uid by reading /etc/passwd under the
// image root.
func (c *CompilerContext) UID(name string) (uint32, error) {
	db, err := c.UserDB()
	if err != nil {
		return 0, err
	}
	rec, ok := db.ByName(name)
	if !ok {
		return 0, &NoSuchUser{Name: name}
	}
	return rec.UID, nil
}

// GID resolves a group name to a gid by reading /etc/group under the
// image root.
func (c *CompilerContext) GID(name string) (uint32, error) {
	db, err := c.GroupDB()
	if err != nil {
		return 0, err
	}
	rec, ok := db.ByName(name)
	if !ok {
		return 0, &NoSuchGroup{Name: name}
	}
	return rec.GID, nil
}

// UserDB returns the parsed contents of /etc/passwd under the image
// root, or a default single-root skeleton if the file doesn't exist
// yet.
func (c *CompilerContext) UserDB() (*usergroup.UserDB, error) {
	text, err := c.readRootFile("/etc/passwd")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return usergroup.DefaultUserDB(), nil
		}
		return nil, err
	}
	return usergroup.ParseUserDB(text)
}

// GroupDB returns the parsed contents of /etc/group under the image
// root, or a default single-root skeleton if the file doesn't exist
// yet.
func (c *CompilerContext) GroupDB() (*usergroup.GroupDB, error) {
	text, err := c.readRootFile("/etc/group")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return usergroup.DefaultGroupDB(), nil
		}
		return nil, err
	}
	return usergroup.ParseGroupDB(text)
}

// ShadowDB returns the parsed contents of /etc/shadow under the image
// root, or a default locked-root skeleton if the file doesn't exist
// yet.
func (c *CompilerContext) ShadowDB() (*usergroup.ShadowDB, error) {
	text, err := c.readRootFile("/etc/shadow")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return usergroup.DefaultShadowDB(), nil
		}
		return nil, err
	}
	return usergroup.ParseShadowDB(text)
}

// WriteUserDB writes db back to /etc/passwd (mode 0644, as every
// other reader on the system expects to be able to read it).
func (c *CompilerContext) WriteUserDB(db *usergroup.UserDB) error {
	return c.writeRootFile("/etc/passwd", db.String(), 0o644)
}

// WriteGroupDB writes db back to /etc/group (mode 0644).
func (c *CompilerContext) WriteGroupDB(db *usergroup.GroupDB) error {
	return c.writeRootFile("/etc/group", db.String(), 0o644)
}

// WriteShadowDB writes db back to /etc/shadow (mode 0000: nobody, not
// even the owner, gets direct read access; only setuid helpers like
// `login`/`passwd` may read it).
func (c *CompilerContext) WriteShadowDB(db *usergroup.ShadowDB) error {
	return c.writeRootFile("/etc/shadow", db.String(), 0o000)
}

func (c *CompilerContext) readRootFile(p string) (string, error) {
	real, err := c.DstPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *CompilerContext) writeRootFile(p, text string, perm os.FileMode) error {
	real, err := c.DstPath(p)
	if err != nil {
		return err
	}
	// os.WriteFile only applies perm when creating the file; if it
	// already exists (e.g. a second usergroup feature appending a
	// user) its mode is left alone, so chmod explicitly afterward.
	if err := os.WriteFile(real, []byte(text), perm); err != nil {
		return err
	}
	return os.Chmod(real, perm)
}
