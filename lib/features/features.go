// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package features is the static registry of feature kinds: every
// implementing package (install, extract, tarball, usergroup, rpms,
// clone, remove, ensuredir, requires) registers a decode function from
// its own init(), so this package never needs a hardcoded switch over
// kind strings and never imports any of them.
package features

import (
	"encoding/json"
	"fmt"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/depgraph"
)

// Compiler is the compile-time face of a feature: depgraph's Feature
// contract (Provides/Requires, for planning) plus the Compile method
// that actually mutates the image root.
type Compiler interface {
	depgraph.Feature
	Compile(ctx *compilerctx.CompilerContext) error
}

// Planner is implemented by feature kinds that need a separate
// planning pass before compile (currently only rpms): Plan runs
// during `antlir2 map` against the parent layer and returns the
// fragment that a later `antlir2 compile` invocation will look up by
// id via CompilerContext.Plan.
type Planner interface {
	Compiler
	Plan(ctx *compilerctx.CompilerContext) (id string, payload json.RawMessage, err error)
}

type decodeFunc func(payload json.RawMessage) (Compiler, error)

var registry = map[string]decodeFunc{}

// Register associates kind with a decode function. It is meant to be
// called from an implementing package's init(); calling it twice for
// the same kind is a programming error and panics.
func Register(kind string, decode decodeFunc) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("features: kind %q registered twice", kind))
	}
	registry[kind] = decode
}

// Decode looks up kind in the registry and decodes payload with it.
func Decode(kind string, payload json.RawMessage) (Compiler, error) {
	decode, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("features: unknown feature kind %q", kind)
	}
	c, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("features: decoding %s feature: %w", kind, err)
	}
	return c, nil
}

// Codec implements depgraph.FeatureCodec on top of the registry, so
// lib/depgraph.Persist/Open can serialize whatever concrete feature
// kinds happen to be registered without depgraph importing any of
// them.
type Codec struct{}

var _ depgraph.FeatureCodec = Codec{}

func (Codec) EncodeFeature(f depgraph.Feature) (kind string, payload []byte, err error) {
	payload, err = json.Marshal(f)
	if err != nil {
		return "", nil, fmt.Errorf("features: encoding %s feature: %w", f.Kind(), err)
	}
	return f.Kind(), payload, nil
}

func (Codec) DecodeFeature(kind string, payload []byte) (depgraph.Feature, error) {
	return Decode(kind, payload)
}
