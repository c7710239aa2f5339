// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ocipkg

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Layer is one already-built tar layer (see WriteLayer), given as raw
// uncompressed bytes; Build computes both its uncompressed diff ID and
// its gzip-compressed blob digest.
type Layer struct {
	Tar []byte
}

// Image describes the image-wide metadata Build needs beyond the
// layers themselves.
type Image struct {
	Architecture string
	Entrypoint   []string
	Cmd          []string
	Env          []string
	WorkingDir   string
	RefName      string
}

// Build writes a complete OCI image layout under outDir: oci-layout,
// index.json, and one blob per layer/config/manifest under
// blobs/sha256/<digest>. Each layer is stored gzip-compressed, as
// MediaTypeImageLayerGzip, matching what every OCI-consuming runtime
// expects to be able to pull over the wire.
func Build(outDir string, img Image, layers []Layer) error {
	if err := os.MkdirAll(filepath.Join(outDir, "blobs", "sha256"), 0o755); err != nil {
		return fmt.Errorf("ocipkg: creating blobs dir: %w", err)
	}

	layout := v1.ImageLayout{Version: v1.ImageLayoutVersion}
	if err := writeJSON(filepath.Join(outDir, "oci-layout"), layout); err != nil {
		return fmt.Errorf("ocipkg: writing oci-layout: %w", err)
	}

	var layerDescs []v1.Descriptor
	var diffIDs []digest.Digest
	for _, layer := range layers {
		diffIDs = append(diffIDs, digest.FromBytes(layer.Tar))

		compressed, err := gzipCompress(layer.Tar)
		if err != nil {
			return fmt.Errorf("ocipkg: compressing layer: %w", err)
		}
		desc, err := writeBlob(outDir, v1.MediaTypeImageLayerGzip, compressed)
		if err != nil {
			return fmt.Errorf("ocipkg: writing layer blob: %w", err)
		}
		layerDescs = append(layerDescs, desc)
	}

	config := v1.Image{
		Created:      timePtr(time.Unix(0, 0).UTC()),
		Architecture: img.Architecture,
		OS:           "linux",
		Config: v1.ImageConfig{
			Entrypoint: img.Entrypoint,
			Cmd:        img.Cmd,
			Env:        img.Env,
			WorkingDir: img.WorkingDir,
		},
		RootFS: v1.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("ocipkg: marshaling image config: %w", err)
	}
	configDesc, err := writeBlob(outDir, v1.MediaTypeImageConfig, configBytes)
	if err != nil {
		return fmt.Errorf("ocipkg: writing config blob: %w", err)
	}

	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layerDescs,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("ocipkg: marshaling image manifest: %w", err)
	}
	manifestDesc, err := writeBlob(outDir, v1.MediaTypeImageManifest, manifestBytes)
	if err != nil {
		return fmt.Errorf("ocipkg: writing manifest blob: %w", err)
	}
	manifestDesc.Platform = &v1.Platform{Architecture: img.Architecture, OS: "linux"}
	manifestDesc.Annotations = map[string]string{
		v1.AnnotationRefName: img.RefName,
		"built.by.exec":      "antlir2",
	}

	index := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{manifestDesc},
	}
	if err := writeJSON(filepath.Join(outDir, "index.json"), index); err != nil {
		return fmt.Errorf("ocipkg: writing index.json: %w", err)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// writeBlob writes data to blobs/sha256/<digest> under outDir and
// returns the descriptor Build should record for it.
func writeBlob(outDir, mediaType string, data []byte) (v1.Descriptor, error) {
	d := digest.FromBytes(data)
	path := filepath.Join(outDir, "blobs", "sha256", d.Encoded())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return v1.Descriptor{}, fmt.Errorf("writing blob %s: %w", d, err)
	}
	return v1.Descriptor{
		MediaType: mediaType,
		Digest:    d,
		Size:      int64(len(data)),
	}, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
