// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remove implements the remove feature kind: deletes a path
// (and everything under it, if a directory) from the image.
package remove

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
)

const Kind = "remove"

func init() {
	features.Register(Kind, decode)
}

// Feature is the remove feature kind's feature JSON.
type Feature struct {
	Path string `json:"path"`
	// MustExist, if false, tolerates the path already being absent
	// (e.g. because it was never provided by this architecture's
	// variant of the image).
	MustExist bool `json:"must_exist"`
}

func decode(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) Kind() string { return Kind }

// Provides is empty: removing something never adds an Item.
func (f *Feature) Provides() containers.Set[depgraph.Item] {
	return containers.NewSet[depgraph.Item]()
}

// Requires is unordered: remove may run in any order relative to the
// feature that created the path, as long as both ran, so it doesn't
// force an edge in the topological sort.
func (f *Feature) Requires() []depgraph.Requirement {
	if !f.MustExist {
		return nil
	}
	return []depgraph.Requirement{{
		Key:       depgraph.ItemKey{Kind: depgraph.ItemPath, Name: f.Path},
		Validator: depgraph.ValidateAny(),
		Ordered:   false,
	}}
}

func (f *Feature) Compile(ctx *compilerctx.CompilerContext) error {
	dst, err := ctx.DstPath(f.Path)
	if err != nil {
		return fmt.Errorf("remove: resolving %s: %w", f.Path, err)
	}
	if f.MustExist {
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("remove: %s: %w", f.Path, err)
		}
		return nil
	}
	if err := os.RemoveAll(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove: %s: %w", f.Path, err)
	}
	return nil
}
