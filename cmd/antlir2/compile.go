// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/depgraph"
	"github.com/antlir2/antlir2/lib/features"
	"github.com/antlir2/antlir2/lib/subvol"
)

type compileFlags struct {
	label      string
	workingDir string
	output     string
	arch       string
	depgraph   string
	plans      string
	parent     string
	rootless   bool
}

func newCompileCmd(lvl *logLevelFlag) *cobra.Command {
	var f compileFlags
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a single image layer from a persisted depgraph",

		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.Flags().StringVar(&f.label, "label", "", "opaque target identifier for this build")
	cmd.Flags().StringVar(&f.workingDir, "working-dir", "", "directory holding the working volume's subvolumes")
	cmd.Flags().StringVar(&f.output, "output", "", "path of the symlink to atomically publish on success")
	cmd.Flags().StringVar(&f.arch, "target-arch", "", "target architecture (x86_64|aarch64)")
	cmd.Flags().StringVar(&f.depgraph, "depgraph", "", "path to the persisted depgraph")
	cmd.Flags().StringVar(&f.plans, "plans", "", "path to a JSON file of {planId: rawPlan} fragments")
	cmd.Flags().StringVar(&f.parent, "parent", "", "path of the parent layer's published symlink, if any")
	cmd.Flags().BoolVar(&f.rootless, "rootless", false, "run without a privileged isolation jail")
	for _, name := range []string{"label", "working-dir", "output", "target-arch", "depgraph"} {
		_ = cmd.MarkFlagRequired(name)
	}

	cmd.RunE = withLogging(lvl, func(cmd *cobra.Command, args []string) error {
		return runCompile(cmd, f)
	})
	return cmd
}

func runCompile(cmd *cobra.Command, f compileFlags) error {
	ctx := cmd.Context()
	ctx = dlog.WithField(ctx, "antlir2.label", f.label)
	ctx = dlog.WithField(ctx, "antlir2.target-arch", f.arch)
	arch, err := compilerctx.ParseArch(f.arch)
	if err != nil {
		return err
	}

	plans, err := loadPlans(f.plans)
	if err != nil {
		return err
	}

	graph, err := loadGraph(f.depgraph)
	if err != nil {
		return err
	}

	vol, err := newSubvolume(f.workingDir, f.label, f.parent)
	if err != nil {
		return err
	}

	cctx, err := compilerctx.New(f.label, arch, vol.Path(), plans)
	if err != nil {
		return fmt.Errorf("opening compiler context: %w", err)
	}
	defer func() {
		if err := cctx.Close(); err != nil {
			dlog.Warnf(ctx, "closing compiler context: %v", err)
		}
	}()

	if err := compileFeatures(ctx, graph, cctx); err != nil {
		return err
	}

	if err := vol.Seal(); err != nil {
		return fmt.Errorf("sealing output subvolume: %w", err)
	}
	if err := subvol.Publish(vol.Path(), f.output); err != nil {
		return fmt.Errorf("publishing %s: %w", f.output, err)
	}
	dlog.Infof(ctx, "compiled %s -> %s", f.label, f.output)
	return nil
}

// compileFeatures drives every pending feature of graph to completion
// in order; depgraph order is consumed serially because features
// share one mutable filesystem.
func compileFeatures(ctx context.Context, graph *depgraph.Graph, cctx *compilerctx.CompilerContext) error {
	for _, feat := range graph.PendingFeatures() {
		compiler, ok := feat.(features.Compiler)
		if !ok {
			return fmt.Errorf("feature %s does not implement Compile", feat.Kind())
		}
		fctx := dlog.WithField(ctx, "antlir2.feature.kind", feat.Kind())
		dlog.Info(fctx, "compiling feature")
		if err := compiler.Compile(cctx); err != nil {
			return fmt.Errorf("compiling %s feature: %w", feat.Kind(), err)
		}
		graph.MarkDone()
	}
	return nil
}

func loadPlans(path string) (map[string]json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plans %s: %w", path, err)
	}
	var plans map[string]json.RawMessage
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("decoding plans %s: %w", path, err)
	}
	return plans, nil
}

func loadGraph(path string) (*depgraph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening depgraph %s: %w", path, err)
	}
	defer f.Close()
	graph, err := depgraph.Open(bufio.NewReader(f), features.Codec{})
	if err != nil {
		return nil, fmt.Errorf("decoding depgraph %s: %w", path, err)
	}
	return graph, nil
}

// newSubvolume creates the build's working subvolume, either empty or
// as a writable snapshot of parent, named {timestamp}-{label-flat}-{pid}
// under workingDir.
func newSubvolume(workingDir, label string, parent string) (*subvol.Subvolume, error) {
	flat := strings.NewReplacer("/", "_", " ", "_").Replace(label)
	name := fmt.Sprintf("%s-%s-%d", time.Now().UTC().Format("20060102T150405Z"), flat, os.Getpid())
	dst := filepath.Join(workingDir, name)

	mgr := &subvol.Manager{}
	if parent == "" {
		vol, err := mgr.Create(dst)
		if err != nil {
			return nil, fmt.Errorf("creating subvolume %s: %w", dst, err)
		}
		return vol, nil
	}

	parentReal, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return nil, fmt.Errorf("resolving parent %s: %w", parent, err)
	}
	vol, err := mgr.Snapshot(parentReal, dst, subvol.SnapshotFlags{})
	if err != nil {
		return nil, fmt.Errorf("snapshotting parent %s to %s: %w", parentReal, dst, err)
	}
	return vol, nil
}
