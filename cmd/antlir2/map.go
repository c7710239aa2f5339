// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/antlir2/antlir2/lib/isolation"
)

type mapFlags struct {
	label          string
	buildAppliance string
	workingDir     string
	output         string
	parent         string
	rootless       bool
}

// newMapCmd wires the "map" subcommand: it re-invokes this same
// binary's compile or plan subcommand, but inside an isolation jail
// rooted at a build-appliance image, so that the feature drivers
// (dnf, useradd, ...) run against a known-good userspace instead of
// the host's.
func newMapCmd(lvl *logLevelFlag) *cobra.Command {
	var f mapFlags
	cmd := &cobra.Command{
		Use:   "map {compile|plan} [subargs...]",
		Short: "Run compile or plan inside a build-appliance isolation jail",
		Args:  cobra.MinimumNArgs(1),

		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.Flags().StringVar(&f.label, "label", "", "opaque target identifier for this build")
	cmd.Flags().StringVar(&f.buildAppliance, "build-appliance", "", "path to the build-appliance image root")
	cmd.Flags().StringVar(&f.workingDir, "working-dir", "", "directory holding the working volume's subvolumes")
	cmd.Flags().StringVar(&f.output, "output", "", "path of the symlink to atomically publish on success")
	cmd.Flags().StringVar(&f.parent, "parent", "", "path of the parent layer's published symlink, if any")
	cmd.Flags().BoolVar(&f.rootless, "rootless", false, "run without privilege escalation inside the jail")
	for _, name := range []string{"label", "build-appliance", "working-dir", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	cmd.Flags().SetInterspersed(false)

	cmd.RunE = withLogging(lvl, func(cmd *cobra.Command, args []string) error {
		return runMap(cmd, f, args)
	})
	return cmd
}

func runMap(cmd *cobra.Command, f mapFlags, subargs []string) error {
	ctx := cmd.Context()
	switch subargs[0] {
	case "compile", "plan":
	default:
		return fmt.Errorf("map: unknown child subcommand %q, expected compile or plan", subargs[0])
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("map: locating own executable: %w", err)
	}

	spec := &isolation.Context{
		Layer: f.buildAppliance,
		Outputs: map[string]string{
			f.workingDir: f.workingDir,
		},
	}
	if f.parent != "" {
		spec.Inputs = map[string]string{f.parent: f.parent}
	}
	if f.output != "" {
		dir := f.output
		spec.Outputs[dir] = dir
	}

	argv := append([]string{self}, subargs...)

	if !f.rootless {
		guard, err := isolation.Escalate()
		if err != nil {
			return fmt.Errorf("map: escalating privileges: %w", err)
		}
		defer func() {
			if err := guard.Release(); err != nil {
				dlog.Warnf(ctx, "releasing privilege escalation: %v", err)
			}
		}()
	}

	var out bytes.Buffer
	if err := isolation.RunCaptured(ctx, spec, argv, &out); err != nil {
		fmt.Fprint(os.Stderr, out.String())
		return fmt.Errorf("map: running %s in build-appliance jail: %w", subargs[0], err)
	}
	fmt.Fprint(os.Stdout, out.String())
	dlog.Infof(ctx, "mapped %s %s via %s", f.label, subargs[0], f.buildAppliance)
	return nil
}
