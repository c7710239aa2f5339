// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package depgraph

import (
	"fmt"

	"github.com/datawire/dlib/derror"

	"github.com/antlir2/antlir2/lib/containers"
)

// Feature is the planning-time face of an image-build feature: the
// two pure-functional contracts the depgraph needs in order to
// validate and order a feature set. Compiling a feature is the
// concern of whatever package embeds Feature in a larger interface
// (see lib/features.Compiler); depgraph never calls into feature
// code beyond these two methods.
type Feature interface {
	// Kind names the feature's kind, for error messages and
	// persistence.
	Kind() string
	// Provides lists the Items this feature adds to the image.
	Provides() containers.Set[Item]
	// Requires lists the Items this feature needs to already be
	// available, either from an earlier feature in the same layer
	// or from the parent layer.
	Requires() []Requirement
}

// ConflictingProvider is returned from Build when two distinct
// features in the same feature set provide the same Item.
type ConflictingProvider struct {
	Key    ItemKey
	First  Feature
	Second Feature
}

func (e *ConflictingProvider) Error() string {
	return fmt.Sprintf("%s is provided by both a %s feature and a %s feature", e.Key, e.First.Kind(), e.Second.Kind())
}

// UnmetRequirement is returned from Build when a feature requires an
// Item that no feature (and no parent Item) provides.
type UnmetRequirement struct {
	Feature Feature
	Req     Requirement
}

func (e *UnmetRequirement) Error() string {
	return fmt.Sprintf("%s feature requires %s, which nothing provides", e.Feature.Kind(), e.Req.Key)
}

// ValidatorFailed is returned from Build when a feature's requirement
// resolves to an Item that exists but doesn't meet the requirement's
// Validator.
type ValidatorFailed struct {
	Feature Feature
	Req     Requirement
	Reason  error
}

func (e *ValidatorFailed) Error() string {
	return fmt.Sprintf("%s feature's requirement on %s is not satisfied: %v", e.Feature.Kind(), e.Req.Key, e.Reason)
}

// Graph is the validated, ordered result of Build: the features of
// one layer (not including the parent layer's), ordered so that every
// ordered Requirement is satisfied by something earlier in Order (or
// by the parent layer).
type Graph struct {
	Order []Feature
	// Items is every Item known when this graph was built: the
	// parent layer's items plus everything this graph's own
	// features provide. Kept so a child layer can be built on top
	// of this one without recomputing it from Order.
	Items []Item
	// done is the count of the Order prefix that's already been
	// compiled; PendingFeatures returns Order[done:].
	done int
}

// Build validates the provides/requires contracts of features (which
// must all belong to the same layer) against each other and against
// parentItems (the items already present because the parent layer
// provided them), and returns them in an order satisfying every
// ordered requirement.
//
// Provider conflicts and requirement failures are collected and
// returned together as one derror.MultiError, so that a planning run
// reports every such problem at once instead of stopping at the first
// one; a dependency cycle is only looked for once there are none, and
// is returned as a separate error.
func Build(features []Feature, parentItems []Item) (*Graph, error) {
	known := make(map[ItemKey]Item, len(parentItems))
	for _, it := range parentItems {
		known[it.ItemKey] = it
	}

	providerOf := make(map[ItemKey]Feature, len(features))
	var errs derror.MultiError

	for _, f := range features {
		for it := range f.Provides() {
			if prior, ok := providerOf[it.ItemKey]; ok {
				errs = append(errs, &ConflictingProvider{Key: it.ItemKey, First: prior, Second: f})
				continue
			}
			providerOf[it.ItemKey] = f
			known[it.ItemKey] = it
		}
	}

	indegree := make(map[Feature]int, len(features))
	edges := make(map[Feature][]Feature, len(features))
	for _, f := range features {
		indegree[f] = 0
	}
	for _, f := range features {
		for _, req := range f.Requires() {
			item, ok := known[req.Key]
			if !ok {
				errs = append(errs, &UnmetRequirement{Feature: f, Req: req})
				continue
			}
			if err := req.Validator.Check(item); err != nil {
				errs = append(errs, &ValidatorFailed{Feature: f, Req: req, Reason: err})
				continue
			}
			if !req.Ordered {
				continue
			}
			if provider, ok := providerOf[req.Key]; ok && provider != f {
				edges[provider] = append(edges[provider], f)
				indegree[f]++
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	order, err := kahn(features, indegree, edges)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(known))
	for _, it := range known {
		items = append(items, it)
	}

	return &Graph{Order: order, Items: items}, nil
}

// kahn performs a deterministic topological sort: at each step every
// feature with no remaining unsatisfied ordered predecessor is
// eligible, and eligible features are emitted in their original
// slice order so that Build's output doesn't depend on map iteration
// order anywhere.
func kahn(features []Feature, indegree map[Feature]int, edges map[Feature][]Feature) ([]Feature, error) {
	remaining := indegree
	done := make(map[Feature]bool, len(features))
	order := make([]Feature, 0, len(features))

	for len(order) < len(features) {
		progressed := false
		for _, f := range features {
			if done[f] || remaining[f] != 0 {
				continue
			}
			order = append(order, f)
			done[f] = true
			progressed = true
			for _, dep := range edges[f] {
				remaining[dep]--
			}
		}
		if !progressed {
			return nil, fmt.Errorf("depgraph: cycle detected among %d remaining features", len(features)-len(order))
		}
	}
	return order, nil
}

// PendingFeatures returns the features not yet marked done, in build
// order.
func (g *Graph) PendingFeatures() []Feature {
	return g.Order[g.done:]
}

// MarkDone advances the done cursor past the next pending feature.
// The compile driver calls this once a feature's compile() returns
// successfully; features.compile() is never retried out of order, so
// this is always "the next one".
func (g *Graph) MarkDone() {
	if g.done < len(g.Order) {
		g.done++
	}
}

// Done reports whether every feature in the graph has been marked
// done.
func (g *Graph) Done() bool {
	return g.done >= len(g.Order)
}
