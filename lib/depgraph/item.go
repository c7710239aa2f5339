// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package depgraph builds and persists the dependency graph between
// image-build features: validating that every feature's requirements
// are satisfied by some other feature (or by the parent layer) before
// any of them are compiled, and emitting them in an order that
// respects every ordered requirement.
package depgraph

import (
	"fmt"

	"github.com/antlir2/antlir2/lib/mode"
)

// ItemKind identifies which of the four shared namespaces an Item or
// Requirement belongs to.
type ItemKind string

const (
	ItemPath  ItemKind = "path"
	ItemUser  ItemKind = "user"
	ItemGroup ItemKind = "group"
	ItemRpm   ItemKind = "rpm"
)

// ItemKey is the identity half of an Item: the part that participates
// in map lookups and equality checks between a Requirement and the
// Item that satisfies it. Two items with the same ItemKey are the
// same logical resource (the same path, the same username, ...).
type ItemKey struct {
	Kind ItemKind
	Name string
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s(%s)", k.Kind, k.Name)
}

// Item is something a Feature provides: a path with its intended
// file-type and mode, a user or group by name, or an rpm by name.
// Only the fields relevant to the item's Kind are meaningful; the
// others are left zero.
type Item struct {
	ItemKey
	IsDir bool
	Mode  mode.Mode
}

// PathItem builds the Item a feature provides when it creates or
// owns a filesystem path.
func PathItem(path string, isDir bool, m mode.Mode) Item {
	return Item{ItemKey: ItemKey{Kind: ItemPath, Name: path}, IsDir: isDir, Mode: m}
}

// UserItem builds the Item a feature provides when it creates a user.
func UserItem(name string) Item {
	return Item{ItemKey: ItemKey{Kind: ItemUser, Name: name}}
}

// GroupItem builds the Item a feature provides when it creates a
// group.
func GroupItem(name string) Item {
	return Item{ItemKey: ItemKey{Kind: ItemGroup, Name: name}}
}

// RpmItem builds the Item a feature provides when it installs an rpm.
func RpmItem(name string) Item {
	return Item{ItemKey: ItemKey{Kind: ItemRpm, Name: name}}
}

// Validator checks that an Item a Requirement resolved to actually
// meets the Requirement's expectations (e.g. "this path must be a
// directory", "this path's mode must be at least 0555").
type Validator struct {
	kind    string
	minMode mode.Mode
}

// ValidateAny accepts any Item that matches the requirement's key;
// the zero value of Validator behaves the same way.
func ValidateAny() Validator { return Validator{kind: "any"} }

// ValidateIsDir requires the resolved Path item to be a directory.
func ValidateIsDir() Validator { return Validator{kind: "is_dir"} }

// ValidateIsFile requires the resolved Path item to not be a
// directory.
func ValidateIsFile() Validator { return Validator{kind: "is_file"} }

// ValidateMinMode requires the resolved Path item's permission bits
// to be a superset of m.
func ValidateMinMode(m mode.Mode) Validator {
	return Validator{kind: "min_mode", minMode: m.Perm()}
}

// Check reports whether item satisfies the validator, returning a
// human-readable error describing the mismatch if not.
func (v Validator) Check(item Item) error {
	switch v.kind {
	case "", "any":
		return nil
	case "is_dir":
		if !item.IsDir {
			return fmt.Errorf("%s must be a directory", item.ItemKey)
		}
	case "is_file":
		if item.IsDir {
			return fmt.Errorf("%s must not be a directory", item.ItemKey)
		}
	case "min_mode":
		if item.Mode.Perm()&v.minMode != v.minMode {
			return fmt.Errorf("%s has mode %s, want at least %s", item.ItemKey, item.Mode.Perm().Octal(), v.minMode.Octal())
		}
	default:
		return fmt.Errorf("%s: unknown validator kind %q", item.ItemKey, v.kind)
	}
	return nil
}

// Requirement is one entry in a Feature's requires() set: a named
// Item that must exist and pass Validator, optionally also
// constraining the build order.
type Requirement struct {
	Key       ItemKey
	Validator Validator
	// Ordered requirements contribute an edge to the topological
	// sort: the feature providing Key must compile strictly before
	// the feature that requires it. Unordered requirements are
	// validated but don't constrain ordering (e.g. a requirement on
	// something the parent layer already provides).
	Ordered bool
}

// RequirePath is a convenience constructor for an ordered requirement
// on a path.
func RequirePath(path string, v Validator) Requirement {
	return Requirement{Key: ItemKey{Kind: ItemPath, Name: path}, Validator: v, Ordered: true}
}

// RequireUser is a convenience constructor for an ordered requirement
// on a user.
func RequireUser(name string) Requirement {
	return Requirement{Key: ItemKey{Kind: ItemUser, Name: name}, Ordered: true}
}

// RequireGroup is a convenience constructor for an ordered requirement
// on a group.
func RequireGroup(name string) Requirement {
	return Requirement{Key: ItemKey{Kind: ItemGroup, Name: name}, Ordered: true}
}
