// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package depgraph_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/mode"
)

// fakeFeature is a minimal depgraph.Feature for exercising Build
// without depending on any real feature kind.
type fakeFeature struct {
	Name      string
	Provides_ []depgraph.Item        `json:"Provides"`
	Requires_ []depgraph.Requirement `json:"-"`
}

func (f *fakeFeature) Kind() string { return "fake:" + f.Name }

func (f *fakeFeature) Provides() containers.Set[depgraph.Item] {
	return containers.NewSet(f.Provides_...)
}

func (f *fakeFeature) Requires() []depgraph.Requirement { return f.Requires_ }

func indexOf(t *testing.T, order []depgraph.Feature, name string) int {
	t.Helper()
	for i, f := range order {
		if f.(*fakeFeature).Name == name {
			return i
		}
	}
	t.Fatalf("feature %q not found in order", name)
	return -1
}

func TestBuildOrdersByRequirement(t *testing.T) {
	t.Parallel()
	etc := &fakeFeature{
		Name: "etc-dir",
		Provides_: []depgraph.Item{depgraph.PathItem("/etc", true, 0o755)},
	}
	hostname := &fakeFeature{
		Name: "hostname-file",
		Provides_: []depgraph.Item{depgraph.PathItem("/etc/hostname", false, 0o444)},
		Requires_: []depgraph.Requirement{depgraph.RequirePath("/etc", depgraph.ValidateIsDir())},
	}

	g, err := depgraph.Build([]depgraph.Feature{hostname, etc}, nil)
	require.NoError(t, err)
	require.Len(t, g.Order, 2)
	assert.Less(t, indexOf(t, g.Order, "etc-dir"), indexOf(t, g.Order, "hostname-file"))
}

func TestBuildUnmetRequirement(t *testing.T) {
	t.Parallel()
	hostname := &fakeFeature{
		Name: "hostname-file",
		Provides_: []depgraph.Item{depgraph.PathItem("/etc/hostname", false, 0o444)},
		Requires_: []depgraph.Requirement{depgraph.RequirePath("/etc", depgraph.ValidateIsDir())},
	}
	_, err := depgraph.Build([]depgraph.Feature{hostname}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires")
}

func TestBuildValidatorFailed(t *testing.T) {
	t.Parallel()
	etcFile := &fakeFeature{
		Name: "etc-as-file",
		Provides_: []depgraph.Item{depgraph.PathItem("/etc", false, 0o644)},
	}
	hostname := &fakeFeature{
		Name: "hostname-file",
		Provides_: []depgraph.Item{depgraph.PathItem("/etc/hostname", false, 0o444)},
		Requires_: []depgraph.Requirement{depgraph.RequirePath("/etc", depgraph.ValidateIsDir())},
	}
	_, err := depgraph.Build([]depgraph.Feature{etcFile, hostname}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not satisfied")
}

func TestBuildConflictingProvider(t *testing.T) {
	t.Parallel()
	a := &fakeFeature{Name: "a", Provides_: []depgraph.Item{depgraph.PathItem("/etc/hostname", false, 0o444)}}
	b := &fakeFeature{Name: "b", Provides_: []depgraph.Item{depgraph.PathItem("/etc/hostname", false, 0o444)}}
	_, err := depgraph.Build([]depgraph.Feature{a, b}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provided by both")
}

func TestBuildParentItemSatisfiesRequirement(t *testing.T) {
	t.Parallel()
	hostname := &fakeFeature{
		Name: "hostname-file",
		Provides_: []depgraph.Item{depgraph.PathItem("/etc/hostname", false, 0o444)},
		Requires_: []depgraph.Requirement{depgraph.RequirePath("/etc", depgraph.ValidateIsDir())},
	}
	parentItems := []depgraph.Item{depgraph.PathItem("/etc", true, 0o755)}
	g, err := depgraph.Build([]depgraph.Feature{hostname}, parentItems)
	require.NoError(t, err)
	require.Len(t, g.Order, 1)
}

func TestPendingFeaturesAdvance(t *testing.T) {
	t.Parallel()
	a := &fakeFeature{Name: "a", Provides_: []depgraph.Item{depgraph.UserItem("alice")}}
	b := &fakeFeature{Name: "b", Provides_: []depgraph.Item{depgraph.GroupItem("alice")}}
	g, err := depgraph.Build([]depgraph.Feature{a, b}, nil)
	require.NoError(t, err)
	assert.Len(t, g.PendingFeatures(), 2)
	g.MarkDone()
	assert.Len(t, g.PendingFeatures(), 1)
	g.MarkDone()
	assert.Len(t, g.PendingFeatures(), 0)
	assert.True(t, g.Done())
}

func TestModeValidatorUsesPermBits(t *testing.T) {
	t.Parallel()
	bin := &fakeFeature{
		Name: "bin-dir",
		Provides_: []depgraph.Item{depgraph.PathItem("/bin", true, mode.Mode(0o555))},
	}
	installer := &fakeFeature{
		Name: "installer",
		Provides_: []depgraph.Item{depgraph.PathItem("/bin/sh", false, 0o755)},
		Requires_: []depgraph.Requirement{depgraph.RequirePath("/bin", depgraph.ValidateMinMode(mode.Mode(0o555)))},
	}
	_, err := depgraph.Build([]depgraph.Feature{bin, installer}, nil)
	require.NoError(t, err)
}

// jsonCodec is a stand-in FeatureCodec for the test; the real one
// lives in lib/features and is backed by its kind registry.
type jsonCodec struct{}

func (jsonCodec) EncodeFeature(f depgraph.Feature) (string, []byte, error) {
	ff := f.(*fakeFeature)
	payload, err := json.Marshal(ff)
	return "fake", payload, err
}

func (jsonCodec) DecodeFeature(kind string, payload []byte) (depgraph.Feature, error) {
	if kind != "fake" {
		return nil, fmt.Errorf("unknown feature kind %q", kind)
	}
	var ff fakeFeature
	if err := json.Unmarshal(payload, &ff); err != nil {
		return nil, err
	}
	return &ff, nil
}

func TestPersistOpenRoundTrip(t *testing.T) {
	t.Parallel()
	etc := &fakeFeature{Name: "etc-dir", Provides_: []depgraph.Item{depgraph.PathItem("/etc", true, 0o755)}}
	g, err := depgraph.Build([]depgraph.Feature{etc}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, g.Persist(&buf, jsonCodec{}))

	reopened, err := depgraph.Open(bufio.NewReader(&buf), jsonCodec{})
	require.NoError(t, err)
	require.Len(t, reopened.Order, 1)
	assert.Equal(t, "fake:etc-dir", reopened.Order[0].Kind())
	assert.False(t, reopened.Done())
}
