// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ocipkg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestBuildLayout(t *testing.T) {
	t.Parallel()
	out := t.TempDir()

	err := Build(out, Image{
		Architecture: "amd64",
		Entrypoint:   []string{"/bin/sh"},
		RefName:      "latest",
	}, []Layer{{Tar: []byte("fake tar bytes")}})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(out, "oci-layout"))
	assert.FileExists(t, filepath.Join(out, "index.json"))

	entries, err := os.ReadDir(filepath.Join(out, "blobs", "sha256"))
	require.NoError(t, err)
	assert.Equal(t, 3, len(entries), "layer + config + manifest blobs")

	data, err := os.ReadFile(filepath.Join(out, "index.json"))
	require.NoError(t, err)
	var index v1.Index
	require.NoError(t, json.Unmarshal(data, &index))
	require.Len(t, index.Manifests, 1)
	assert.Equal(t, "latest", index.Manifests[0].Annotations[v1.AnnotationRefName])
}
