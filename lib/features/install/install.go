// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package install implements the install feature kind: copying a file
// or directory tree from outside the image into the image root.
package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	"github.com/antlir2/antlir2/lib/mode"
	"github.com/antlir2/antlir2/lib/xfer"
)

const Kind = "install"

func init() {
	features.Register(Kind, decode)
}

// Binary distinguishes a plain-file install from the two buck-built
// binary variants.
type Binary string

const (
	BinaryNone Binary = ""
	// BinaryDev is installed as a symlink back to the host path, so it
	// keeps finding its sibling shared libraries at their @mode/dev
	// locations.
	BinaryDev Binary = "dev"
	// BinaryInstalled is copied in (optionally with a debuginfo
	// sidecar keyed by ELF build-id).
	BinaryInstalled Binary = "installed"
)

// Feature is the install feature kind's feature JSON.
type Feature struct {
	Src     string    `json:"src"`
	Dst     string    `json:"dst"`
	IsDir   bool      `json:"is_dir"`
	User    string    `json:"user"`
	Group   string    `json:"group"`
	Mode    mode.Mode `json:"mode"`
	Binary  Binary    `json:"binary,omitempty"`
	BuildID string    `json:"build_id,omitempty"`
	// Debuginfo, if set, is a separate host path carrying the
	// binary's split debug symbols, installed alongside under
	// /usr/lib/debug/.build-id/<2>/<rest>.debug (or, if BuildID is
	// empty, mirroring Dst under /usr/lib/debug).
	Debuginfo string `json:"debuginfo,omitempty"`
}

func decode(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) Kind() string { return Kind }

// Provides walks src (for a directory install) or just returns dst
// (for a single file); this touches the host filesystem, which is
// fine since src lives outside the image and is available at planning
// time exactly as it will be at compile time.
func (f *Feature) Provides() containers.Set[depgraph.Item] {
	set := containers.NewSet[depgraph.Item]()
	if !f.IsDir {
		set.Insert(depgraph.PathItem(f.Dst, false, f.Mode))
		return set
	}
	_ = filepath.WalkDir(f.Src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(f.Src, p)
		if relErr != nil || rel == "." {
			return nil
		}
		dst := path.Join(f.Dst, filepath.ToSlash(rel))
		set.Insert(depgraph.PathItem(dst, d.IsDir(), f.Mode))
		return nil
	})
	return set
}

func (f *Feature) Requires() []depgraph.Requirement {
	reqs := []depgraph.Requirement{
		depgraph.RequirePath(path.Dir(f.Dst), depgraph.ValidateIsDir()),
	}
	if f.User != "" {
		reqs = append(reqs, depgraph.RequireUser(f.User))
	}
	if f.Group != "" {
		reqs = append(reqs, depgraph.RequireGroup(f.Group))
	}
	return reqs
}

func (f *Feature) Compile(ctx *compilerctx.CompilerContext) error {
	uid, err := ctx.UID(f.User)
	if err != nil {
		return err
	}
	gid, err := ctx.GID(f.Group)
	if err != nil {
		return err
	}
	if f.IsDir {
		return f.compileDir(ctx, uid, gid)
	}
	return f.compileFile(ctx, uid, gid)
}

func (f *Feature) compileDir(ctx *compilerctx.CompilerContext, uid, gid uint32) error {
	srcInfo, err := os.Stat(f.Src)
	if err != nil {
		return fmt.Errorf("install: stat %s: %w", f.Src, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("install: %s is a directory destination but %s is not a directory", f.Dst, f.Src)
	}

	return filepath.WalkDir(f.Src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.Src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dstRel := path.Join(f.Dst, filepath.ToSlash(rel))
		dstPath, err := ctx.DstPath(dstRel)
		if err != nil {
			return fmt.Errorf("install: resolving %s: %w", dstRel, err)
		}

		if d.IsDir() {
			info, statErr := d.Info()
			if statErr != nil {
				return statErr
			}
			if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("install: creating %s: %w", dstPath, err)
			}
			return os.Chown(dstPath, int(uid), int(gid))
		}

		// the depgraph already guarantees there are no conflicting
		// providers, so if this exists it must already have the
		// correct contents
		if _, err := os.Lstat(dstPath); err == nil {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("install: symlinking %s: %w", dstPath, err)
			}
			return os.Lchown(dstPath, int(uid), int(gid))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := xfer.CopyFile(p, dstPath, uid, gid, info.Mode().Perm()); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		return nil
	})
}

func (f *Feature) compileFile(ctx *compilerctx.CompilerContext, uid, gid uint32) error {
	dst, err := ctx.DstPath(f.Dst)
	if err != nil {
		return fmt.Errorf("install: resolving %s: %w", f.Dst, err)
	}

	switch f.Binary {
	case BinaryDev:
		srcAbs, err := filepath.Abs(f.Src)
		if err != nil {
			return fmt.Errorf("install: resolving %s: %w", f.Src, err)
		}
		if err := os.Symlink(srcAbs, dst); err != nil {
			return fmt.Errorf("install: symlinking dev binary %s: %w", dst, err)
		}
		return nil
	case BinaryInstalled:
		if f.Debuginfo != "" {
			debuginfoRel := "/usr/lib/debug" + f.Dst + ".debug"
			if f.BuildID != "" && len(f.BuildID) > 2 {
				debuginfoRel = path.Join("/usr/lib/debug/.build-id", f.BuildID[:2], f.BuildID[2:]+".debug")
			}
			debuginfoDst, err := ctx.DstPath(debuginfoRel)
			if err != nil {
				return fmt.Errorf("install: resolving debuginfo path: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(debuginfoDst), 0o755); err != nil {
				return fmt.Errorf("install: creating debuginfo dir: %w", err)
			}
			if err := xfer.CopyFile(f.Debuginfo, debuginfoDst, uid, gid, 0o644); err != nil {
				return fmt.Errorf("install: copying debuginfo: %w", err)
			}
		}
	}

	if _, err := os.Lstat(dst); err == nil {
		// the depgraph already ensured there are no conflicts, so if
		// this exists it must have the correct contents already
		return nil
	}

	if err := xfer.CopyFile(f.Src, dst, uid, gid, os.FileMode(f.Mode.Perm())); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	return nil
}
