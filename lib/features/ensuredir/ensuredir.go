// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ensuredir implements the ensure_dir_exists and
// ensure_dirs_exist feature kinds: idempotent directory creation.
// Compile leaves a directory that already exists in place, checking
// only that it is a directory, not its owner or mode. Each feature
// still provides every directory it names, so two such features in one
// layer naming the same directory are reported as a ConflictingProvider.
package ensuredir

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	"github.com/antlir2/antlir2/lib/mode"
)

const (
	KindOne = "ensure_dir_exists"
	KindAll = "ensure_dirs_exist"
)

func init() {
	features.Register(KindOne, decodeOne)
	features.Register(KindAll, decodeAll)
}

// Feature is a list of directories to ensure exist, with the
// owner/mode each gets if this feature is the one that creates it.
type Feature struct {
	Dirs  []string  `json:"dirs"`
	User  string    `json:"user"`
	Group string    `json:"group"`
	Mode  mode.Mode `json:"mode"`
	kind  string
}

func decodeOne(payload json.RawMessage) (features.Compiler, error) {
	var single struct {
		Dir   string    `json:"dir"`
		User  string    `json:"user"`
		Group string    `json:"group"`
		Mode  mode.Mode `json:"mode"`
	}
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return &Feature{Dirs: []string{single.Dir}, User: single.User, Group: single.Group, Mode: single.Mode, kind: KindOne}, nil
}

func decodeAll(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	f.kind = KindAll
	return &f, nil
}

func (f *Feature) Kind() string { return f.kind }

// MarshalJSON renders KindOne features back to their single-`dir`
// shape and KindAll features to their `dirs` shape, so round-tripping
// through the registry preserves the original wire form.
func (f *Feature) MarshalJSON() ([]byte, error) {
	if f.kind == KindOne {
		dir := ""
		if len(f.Dirs) > 0 {
			dir = f.Dirs[0]
		}
		return json.Marshal(struct {
			Dir   string    `json:"dir"`
			User  string    `json:"user"`
			Group string    `json:"group"`
			Mode  mode.Mode `json:"mode"`
		}{dir, f.User, f.Group, f.Mode})
	}
	return json.Marshal(struct {
		Dirs  []string  `json:"dirs"`
		User  string    `json:"user"`
		Group string    `json:"group"`
		Mode  mode.Mode `json:"mode"`
	}{f.Dirs, f.User, f.Group, f.Mode})
}

func (f *Feature) Provides() containers.Set[depgraph.Item] {
	set := containers.NewSet[depgraph.Item]()
	for _, d := range f.Dirs {
		set.Insert(depgraph.PathItem(d, true, f.Mode))
	}
	return set
}

func (f *Feature) Requires() []depgraph.Requirement {
	seen := containers.NewSet[string]()
	var reqs []depgraph.Requirement
	for _, d := range f.Dirs {
		parent := path.Dir(d)
		if parent == "/" || parent == "." || seen.Has(parent) {
			continue
		}
		seen.Insert(parent)
		reqs = append(reqs, depgraph.RequirePath(parent, depgraph.ValidateIsDir()))
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
	for _, d := range f.Dirs {
		if err := f.ensureOne(ctx, d, uid, gid); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feature) ensureOne(ctx *compilerctx.CompilerContext, dir string, uid, gid uint32) error {
	// create every missing ancestor too, each getting this feature's
	// owner/mode; an ancestor that already exists is left untouched.
	clean := strings.TrimPrefix(path.Clean("/"+dir), "/")
	if clean == "" {
		return nil
	}
	components := strings.Split(clean, "/")
	for i := range components {
		rel := "/" + strings.Join(components[:i+1], "/")
		dst, err := ctx.DstPath(rel)
		if err != nil {
			return fmt.Errorf("ensuredir: resolving %s: %w", rel, err)
		}
		if info, statErr := os.Stat(dst); statErr == nil {
			if !info.IsDir() {
				return fmt.Errorf("ensuredir: %s exists and is not a directory", rel)
			}
			continue
		}
		if err := os.Mkdir(dst, os.FileMode(f.Mode.Perm())); err != nil {
			return fmt.Errorf("ensuredir: creating %s: %w", rel, err)
		}
		if err := os.Chown(dst, int(uid), int(gid)); err != nil {
			return fmt.Errorf("ensuredir: chown %s: %w", rel, err)
		}
	}
	return nil
}
