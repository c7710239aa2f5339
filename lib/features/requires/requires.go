// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package requires implements the requires feature kind: a bare
// ordering/validation assertion with no compile-time side effect,
// used to declare a dependency on an Item without installing
// anything.
package requires

import (
	"encoding/json"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	"github.com/antlir2/antlir2/lib/mode"
)

const Kind = "requires"

func init() {
	features.Register(Kind, decode)
}

// Feature asserts that the Items named by Paths/Users/Groups already
// exist, without itself providing anything.
type Feature struct {
	Paths  []PathRequirement `json:"paths,omitempty"`
	Users  []string          `json:"users,omitempty"`
	Groups []string          `json:"groups,omitempty"`
}

// PathRequirement is one required path, with the minimum validation
// the resolved Item must pass.
type PathRequirement struct {
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir,omitempty"`
	IsFile  bool   `json:"is_file,omitempty"`
	MinMode mode.Mode `json:"min_mode,omitempty"`
}

func decode(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) Kind() string { return Kind }

func (f *Feature) Provides() containers.Set[depgraph.Item] {
	return containers.NewSet[depgraph.Item]()
}

func (f *Feature) Requires() []depgraph.Requirement {
	var reqs []depgraph.Requirement
	for _, p := range f.Paths {
		v := depgraph.ValidateAny()
		switch {
		case p.IsDir:
			v = depgraph.ValidateIsDir()
		case p.IsFile:
			v = depgraph.ValidateIsFile()
		case p.MinMode != 0:
			v = depgraph.ValidateMinMode(p.MinMode)
		}
		reqs = append(reqs, depgraph.RequirePath(p.Path, v))
	}
	for _, u := range f.Users {
		reqs = append(reqs, depgraph.RequireUser(u))
	}
	for _, g := range f.Groups {
		reqs = append(reqs, depgraph.RequireGroup(g))
	}
	return reqs
}

// Compile is a no-op: requires exists purely to be validated and
// ordered by the depgraph.
func (f *Feature) Compile(ctx *compilerctx.CompilerContext) error {
	return nil
}
