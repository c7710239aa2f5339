// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rpms

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antlir2/antlir2/lib/depgraph"
)

func TestProvidesOnlyNamesInstalls(t *testing.T) {
	t.Parallel()
	f := &Feature{Items: []Item{
		{Name: "foo", Action: ActionInstall},
		{Name: "bar", Action: ActionRemove},
	}}
	set := f.Provides()
	assert.True(t, set.Has(depgraph.RpmItem("foo")))
	assert.False(t, set.Has(depgraph.RpmItem("bar")))
	assert.Len(t, set, 1)
}

func TestRequiresOnlyMustExistRemoves(t *testing.T) {
	t.Parallel()
	f := &Feature{Items: []Item{
		{Name: "foo", Action: ActionRemove, MustExist: true},
		{Name: "bar", Action: ActionRemove},
		{Name: "baz", Action: ActionInstall},
	}}
	reqs := f.Requires()
	require.Len(t, reqs, 1)
	assert.Equal(t, depgraph.ItemKey{Kind: depgraph.ItemRpm, Name: "foo"}, reqs[0].Key)
	assert.False(t, reqs[0].Ordered)
}

func TestResolvedTransactionRoundTrip(t *testing.T) {
	t.Parallel()
	want := resolvedTransaction{
		Install: []InstallPackage{
			{NEVRA: "foo-1.0-1.x86_64", Repo: "base", Reason: ReasonUser},
			{NEVRA: "libfoo-1.0-1.x86_64", Repo: "base", Reason: ReasonDependency},
		},
		Remove: []string{"bar-2.0-1.x86_64"},
	}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	var got resolvedTransaction
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, want, got)
}

func TestDriverEventTxError(t *testing.T) {
	t.Parallel()
	var ev driverEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"tx_error","tx_error":"gpg check failed"}`), &ev))
	assert.Equal(t, "gpg check failed", ev.TxError)
}
