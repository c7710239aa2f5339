// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package extract implements the extract_from_layer feature kind:
// given one or more binary paths inside an already-built layer, it
// discovers their complete dynamic-linker closure and copies each
// dependency into the target image, rewriting /lib(64) paths to
// /usr/lib(64) to avoid conflicting with the common lib64->usr/lib64
// symlink layout.
package extract

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/containers"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	"github.com/antlir2/antlir2/lib/isolation"
	"github.com/antlir2/antlir2/lib/mode"
	"github.com/antlir2/antlir2/lib/xfer"
)

const Kind = "extract_from_layer"

func init() {
	features.Register(Kind, decode)
}

// Feature is the extract_from_layer feature kind's feature JSON.
type Feature struct {
	// Layer is the host path to the already-built source layer's
	// subvolume root.
	Layer    string   `json:"layer"`
	Binaries []string `json:"binaries"`
}

func decode(payload json.RawMessage) (features.Compiler, error) {
	var f Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) Kind() string { return Kind }

// Provides intentionally only names the binaries themselves, not
// their transitive dependency closure: naming every dependency would
// make near-every extract feature in an image conflict with every
// other one over common libraries like libc.
func (f *Feature) Provides() containers.Set[depgraph.Item] {
	set := containers.NewSet[depgraph.Item]()
	for _, bin := range f.Binaries {
		set.Insert(depgraph.PathItem(bin, false, mode.Mode(0o555)))
	}
	return set
}

func (f *Feature) Requires() []depgraph.Requirement {
	seen := containers.NewSet[string]()
	var reqs []depgraph.Requirement
	for _, bin := range f.Binaries {
		parent := path.Dir(bin)
		if seen.Has(parent) {
			continue
		}
		seen.Insert(parent)
		reqs = append(reqs, depgraph.RequirePath(parent, depgraph.ValidateIsDir()))
	}
	return reqs
}

// ExtractConflict is returned when a destination already contains a
// dependency with different bytes from the one this feature would
// copy.
type ExtractConflict struct {
	Path string
}

func (e *ExtractConflict) Error() string {
	return fmt.Sprintf("extract: %s already exists with different content", e.Path)
}

// ensureUsr rewrites /lib and /lib64 prefixes to /usr/lib and
// /usr/lib64: on most distros these are symlinks to their /usr
// counterparts, and naming both forms across different extract
// features would otherwise produce spurious conflicts.
func ensureUsr(p string) string {
	if strings.HasPrefix(p, "/lib64") {
		return "/usr" + p
	}
	if strings.HasPrefix(p, "/lib") {
		return "/usr" + p
	}
	return p
}

func (f *Feature) Compile(ctx *compilerctx.CompilerContext) error {
	srcLayer, err := filepath.Abs(f.Layer)
	if err != nil {
		return fmt.Errorf("extract: resolving layer %s: %w", f.Layer, err)
	}

	allDeps := containers.NewSet[string]()
	for _, binary := range f.Binaries {
		src := filepath.Join(srcLayer, filepath.FromSlash(strings.TrimPrefix(binary, "/")))
		dst, err := ctx.DstPath(binary)
		if err != nil {
			return fmt.Errorf("extract: resolving %s: %w", binary, err)
		}

		srcInfo, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("extract: stat %s: %w", src, err)
		}

		realSrc := binary
		if srcInfo.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("extract: reading link %s: %w", src, err)
			}
			canonical, err := filepath.EvalSymlinks(src)
			if err != nil {
				return fmt.Errorf("extract: resolving link target of %s: %w", src, err)
			}
			canonicalRel := strings.TrimPrefix(canonical, srcLayer)
			canonicalDst, err := ctx.DstPath(canonicalRel)
			if err != nil {
				return fmt.Errorf("extract: resolving %s: %w", canonicalRel, err)
			}
			if err := xfer.CopyFile(canonical, canonicalDst, 0, 0, 0o755); err != nil {
				return fmt.Errorf("extract: copying symlink target of %s: %w", binary, err)
			}
			_ = os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("extract: symlinking %s: %w", dst, err)
			}
			realSrc = canonicalRel
		} else {
			if err := xfer.CopyFile(src, dst, 0, 0, os.FileMode(srcInfo.Mode().Perm())); err != nil {
				return fmt.Errorf("extract: copying %s: %w", binary, err)
			}
		}

		deps, err := soDependencies(ctx, realSrc, srcLayer)
		if err != nil {
			return fmt.Errorf("extract: resolving dependencies of %s: %w", binary, err)
		}
		for _, d := range deps {
			allDeps.Insert(ensureUsr(d))
		}
	}

	for dep := range allDeps {
		src := filepath.Join(srcLayer, filepath.FromSlash(strings.TrimPrefix(dep, "/")))
		dst, err := ctx.DstPath(dep)
		if err != nil {
			return fmt.Errorf("extract: resolving %s: %w", dep, err)
		}
		if err := copyDep(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// copyDep copies dep to dst unless dst already exists, in which case
// it must be byte-identical or this is an ExtractConflict.
func copyDep(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		same, err := xfer.SameContent(src, dst)
		if err != nil {
			return fmt.Errorf("extract: comparing %s: %w", dst, err)
		}
		if !same {
			return &ExtractConflict{Path: dst}
		}
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("extract: stat %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("extract: creating %s: %w", filepath.Dir(dst), err)
	}
	if err := xfer.CopyFile(src, dst, 0, 0, os.FileMode(info.Mode().Perm())); err != nil {
		return fmt.Errorf("extract: copying %s: %w", src, err)
	}
	return nil
}

var ldsoRE = regexp.MustCompile(`(?m)^\s*\S+\s*=>\s*(\S+)\s+\(0x[0-9a-f]+\)\s*$`)

// soDependencies returns the absolute, in-layer paths of every shared
// library binary (a path relative to srcLayer) transitively depends
// on, plus the dynamic linker itself, by invoking the linker's
// --list mode inside a jail rooted at srcLayer.
func soDependencies(ctx *compilerctx.CompilerContext, binary, srcLayer string) ([]string, error) {
	interp, err := interpreterOf(filepath.Join(srcLayer, filepath.FromSlash(strings.TrimPrefix(binary, "/"))), ctx.Arch())
	if err != nil {
		return nil, err
	}

	var stdout bytes.Buffer
	spec := &isolation.Context{
		Layer:            srcLayer,
		Ephemeral:        false,
		WorkingDirectory: "/",
		Setenv:           map[string]string{"QEMU_RESERVED_VA": "0x40000000"},
	}
	if err := isolation.RunCaptured(context.Background(), spec, []string{interp, "--list", binary}, &stdout); err != nil {
		return nil, fmt.Errorf("running %s --list %s: %w", interp, binary, err)
	}

	var deps []string
	for _, m := range ldsoRE.FindAllStringSubmatch(stdout.String(), -1) {
		deps = append(deps, m[1])
	}
	deps = append(deps, interp)
	return deps, nil
}

// interpreterOf returns binary's PT_INTERP, or the architecture's
// default dynamic linker if it has none (e.g. a static-PIE binary
// that still needs explicit interpreter invocation for --list).
func interpreterOf(binaryPath string, arch compilerctx.Arch) (string, error) {
	f, err := elf.Open(binaryPath)
	if err != nil {
		return "", fmt.Errorf("parsing ELF %s: %w", binaryPath, err)
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return "", fmt.Errorf("reading PT_INTERP of %s: %w", binaryPath, err)
		}
		return strings.TrimRight(string(data), "\x00"), nil
	}
	return arch.DefaultInterp(), nil
}
