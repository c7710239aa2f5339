// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/antlir2/antlir2/lib/compilerctx"
	"github.com/antlir2/antlir2/lib/features"
)

type planFlags struct {
	label      string
	arch       string
	depgraph   string
	parent     string
	planOutDir string
}

// newPlanCmd wires the "plan" child subcommand: it runs every
// Planner feature's Plan method against the parent layer (read-only,
// nothing is compiled) and writes each returned fragment to
// <plan id>.json under planOutDir. `compile --plans` reads a single
// JSON object of {planId: fragment}, not this directory.
func newPlanCmd(lvl *logLevelFlag) *cobra.Command {
	var f planFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve planning-phase features against the parent layer",

		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.Flags().StringVar(&f.label, "label", "", "opaque target identifier for this build")
	cmd.Flags().StringVar(&f.arch, "target-arch", "", "target architecture (x86_64|aarch64)")
	cmd.Flags().StringVar(&f.depgraph, "depgraph", "", "path to the persisted depgraph")
	cmd.Flags().StringVar(&f.parent, "parent", "", "path of the parent layer's published symlink, if any")
	cmd.Flags().StringVar(&f.planOutDir, "plan-out-dir", "", "directory to write one JSON plan file per feature id")
	for _, name := range []string{"label", "target-arch", "depgraph", "plan-out-dir"} {
		_ = cmd.MarkFlagRequired(name)
	}

	cmd.RunE = withLogging(lvl, func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd, f)
	})
	return cmd
}

func runPlan(cmd *cobra.Command, f planFlags) error {
	ctx := cmd.Context()
	ctx = dlog.WithField(ctx, "antlir2.label", f.label)
	ctx = dlog.WithField(ctx, "antlir2.target-arch", f.arch)
	arch, err := compilerctx.ParseArch(f.arch)
	if err != nil {
		return err
	}
	graph, err := loadGraph(f.depgraph)
	if err != nil {
		return err
	}

	root := f.parent
	if root == "" {
		root = "/"
	}
	cctx, err := compilerctx.New(f.label, arch, root, nil)
	if err != nil {
		return fmt.Errorf("opening compiler context: %w", err)
	}
	defer func() {
		if err := cctx.Close(); err != nil {
			dlog.Warnf(ctx, "closing compiler context: %v", err)
		}
	}()

	if err := os.MkdirAll(f.planOutDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", f.planOutDir, err)
	}

	for _, feat := range graph.Order {
		planner, ok := feat.(features.Planner)
		if !ok {
			continue
		}
		id, payload, err := planner.Plan(cctx)
		if err != nil {
			return fmt.Errorf("planning %s feature: %w", feat.Kind(), err)
		}
		if err := writePlanFile(f.planOutDir, id, payload); err != nil {
			return err
		}
		fctx := dlog.WithField(dlog.WithField(ctx, "antlir2.feature.kind", feat.Kind()), "antlir2.feature.id", id)
		dlog.Info(fctx, "planned feature")
	}
	return nil
}

func writePlanFile(dir, id string, payload json.RawMessage) error {
	path := dir + "/" + id + ".json"
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("writing plan %s: %w", path, err)
	}
	return nil
}
