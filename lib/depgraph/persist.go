// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package depgraph

import (
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/antlir2/antlir2/lib/mode"
)

// FeatureCodec lets Persist/Open serialize the opaque Feature values a
// Graph carries without depgraph needing to know about any concrete
// feature kind. lib/features supplies the real implementation,
// backed by its kind registry; tests supply a trivial one.
type FeatureCodec interface {
	EncodeFeature(f Feature) (kind string, payload []byte, err error)
	DecodeFeature(kind string, payload []byte) (Feature, error)
}

type persistedItem struct {
	Kind  ItemKind
	Name  string
	IsDir bool
	Mode  uint16
}

func toPersistedItem(it Item) persistedItem {
	return persistedItem{Kind: it.Kind, Name: it.Name, IsDir: it.IsDir, Mode: uint16(it.Mode)}
}

func fromPersistedItem(p persistedItem) Item {
	return Item{ItemKey: ItemKey{Kind: p.Kind, Name: p.Name}, IsDir: p.IsDir, Mode: mode.Mode(p.Mode)}
}

type persistedFeature struct {
	Kind    string
	Payload []byte
	Done    bool
}

type persistedGraph struct {
	Items    []persistedItem
	Features []persistedFeature
}

// Persist serializes the graph to w in the stable on-disk form that a
// later, separate process re-opens with Open to drive compilation.
func (g *Graph) Persist(w io.Writer, codec FeatureCodec) error {
	pg := persistedGraph{
		Items: make([]persistedItem, 0, len(g.Items)),
	}
	for _, it := range g.Items {
		pg.Items = append(pg.Items, toPersistedItem(it))
	}
	for i, f := range g.Order {
		kind, payload, err := codec.EncodeFeature(f)
		if err != nil {
			return fmt.Errorf("encoding %s feature: %w", f.Kind(), err)
		}
		pg.Features = append(pg.Features, persistedFeature{
			Kind:    kind,
			Payload: payload,
			Done:    i < g.done,
		})
	}
	return lowmemjson.Encode(w, pg)
}

// Open re-reads a graph written by Persist. The compile phase trusts
// the persisted form completely: Open only reports I/O and decoding
// errors, never re-runs ConflictingProvider/UnmetRequirement/
// ValidatorFailed checks (those are planning-time only).
func Open(r io.RuneScanner, codec FeatureCodec) (*Graph, error) {
	var pg persistedGraph
	if err := lowmemjson.Decode(r, &pg); err != nil {
		return nil, fmt.Errorf("decoding persisted depgraph: %w", err)
	}

	g := &Graph{
		Items: make([]Item, 0, len(pg.Items)),
		Order: make([]Feature, 0, len(pg.Features)),
	}
	for _, it := range pg.Items {
		g.Items = append(g.Items, fromPersistedItem(it))
	}
	for _, pf := range pg.Features {
		f, err := codec.DecodeFeature(pf.Kind, pf.Payload)
		if err != nil {
			return nil, fmt.Errorf("decoding %s feature: %w", pf.Kind, err)
		}
		g.Order = append(g.Order, f)
		if pf.Done {
			g.done++
		}
	}
	return g, nil
}
