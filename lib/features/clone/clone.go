// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package clone implements the clone feature kind: copying a subtree
// from another already-built layer's root into the target layer,
// optionally overriding ownership/mode as it goes. Unlike install
// (whose source lives outside any image) clone's source is itself an
// image layer; unlike extract, the whole subtree is copied verbatim
// rather than just an ELF closure.
package clone

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	"github.com/antlir2/antlir2/lib/mode"
	"github.com/antlir2/antlir2/lib/xfer"
)

const Kind = "clone"

func init() {
	features.Register(Kind, decode)
}

// Feature is the clone feature kind's feature JSON.
type Feature struct {
	// SrcLayer is the host path to the already-built source layer's
	// subvolume root.
	SrcLayer string `json:"src_layer"`
	SrcPath  string `json:"src_path"`
	Dst      string `json:"dst"`
	IsDir    bool   `json:"is_dir"`
	// User/Group/Mode, if non-empty/non-zero, override the cloned
	// entries' metadata; otherwise each entry keeps the owner/mode it
	// had in SrcLayer.
	User  string     `json:"user,omitempty"`
	Group string     `json:"group,omitempty"`
	Mode  *mode.Mode `json:"mode,omitempty"`
}

func decode(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) Kind() string { return Kind }

func (f *Feature) srcRoot() string {
	return filepath.Join(f.SrcLayer, filepath.FromSlash(f.SrcPath))
}

func (f *Feature) Provides() containers.Set[depgraph.Item] {
	set := containers.NewSet[depgraph.Item]()
	m := mode.Mode(0o644)
	if f.Mode != nil {
		m = *f.Mode
	}
	if !f.IsDir {
		set.Insert(depgraph.PathItem(f.Dst, false, m))
		return set
	}
	root := f.srcRoot()
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		dst := path.Join(f.Dst, filepath.ToSlash(rel))
		set.Insert(depgraph.PathItem(dst, d.IsDir(), m))
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
	var overrideUID, overrideGID *uint32
	if f.User != "" {
		uid, err := ctx.UID(f.User)
		if err != nil {
			return err
		}
		overrideUID = &uid
	}
	if f.Group != "" {
		gid, err := ctx.GID(f.Group)
		if err != nil {
			return err
		}
		overrideGID = &gid
	}

	root := f.srcRoot()
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		dstRel := f.Dst
		if rel != "." {
			dstRel = path.Join(f.Dst, filepath.ToSlash(rel))
		}
		dst, err := ctx.DstPath(dstRel)
		if err != nil {
			return fmt.Errorf("clone: resolving %s: %w", dstRel, err)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		uid, gid, err := ownerOf(info, overrideUID, overrideGID)
		if err != nil {
			return err
		}
		m := mode.FromOS(uint32(info.Mode().Perm()))
		if f.Mode != nil {
			m = *f.Mode
		}

		if d.IsDir() {
			if err := os.MkdirAll(dst, os.FileMode(m.Perm())); err != nil {
				return fmt.Errorf("clone: creating %s: %w", dst, err)
			}
			return os.Chown(dst, int(uid), int(gid))
		}
		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("clone: symlinking %s: %w", dst, err)
			}
			return os.Lchown(dst, int(uid), int(gid))
		}
		if err := xfer.CopyFile(p, dst, uid, gid, os.FileMode(m.Perm())); err != nil {
			return fmt.Errorf("clone: %w", err)
		}
		return nil
	})
}

func ownerOf(info os.FileInfo, overrideUID, overrideGID *uint32) (uid, gid uint32, err error) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		uid, gid = st.Uid, st.Gid
	}
	if overrideUID != nil {
		uid = *overrideUID
	}
	if overrideGID != nil {
		gid = *overrideGID
	}
	return uid, gid, nil
}
