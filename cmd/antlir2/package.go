// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/antlir2/antlir2/lib/changestream"
	"github.com/antlir2/antlir2/lib/ocipkg"
	"github.com/antlir2/antlir2/lib/sendstream"
)

// newPackageCmd wires the peripheral "package" subcommand tree: it
// diffs a built subvolume against its parent (or the empty tree, for
// a base layer) and serialises the result as either an OCI image or a
// btrfs send-stream.
func newPackageCmd(lvl *logLevelFlag) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package {[flags]|SUBCOMMAND}",
		Short: "Serialise a built layer as an OCI image or a send-stream",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(newPackageOCICmd(lvl))
	cmd.AddCommand(newPackageSendstreamCmd(lvl))
	return cmd
}

type packageFlags struct {
	subvol string
	parent string
	output string
}

func addPackageFlags(cmd *cobra.Command, f *packageFlags) {
	cmd.Flags().StringVar(&f.subvol, "subvol", "", "path of the built subvolume to package")
	cmd.Flags().StringVar(&f.parent, "parent", "", "path of the parent layer's subvolume, if any")
	cmd.Flags().StringVar(&f.output, "output", "", "output path")
	for _, name := range []string{"subvol", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (f packageFlags) diffIter() *changestream.Iter {
	if f.parent == "" {
		return changestream.FromEmpty(f.subvol)
	}
	return changestream.Diff(f.parent, f.subvol)
}

func newPackageOCICmd(lvl *logLevelFlag) *cobra.Command {
	var f packageFlags
	var refName string
	var entrypoint, cmdArgs, env []string
	var arch, workingDir string
	cmd := &cobra.Command{
		Use:           "oci",
		Short:         "Package the diff against --parent as an OCI image directory",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	addPackageFlags(cmd, &f)
	cmd.Flags().StringVar(&refName, "ref-name", "latest", "org.opencontainers.image.ref.name annotation")
	cmd.Flags().StringArrayVar(&entrypoint, "entrypoint", nil, "image entrypoint argv")
	cmd.Flags().StringArrayVar(&cmdArgs, "cmd", nil, "image default command argv")
	cmd.Flags().StringArrayVar(&env, "env", nil, "image environment, as NAME=VALUE")
	cmd.Flags().StringVar(&arch, "target-arch", "x86_64", "target architecture (x86_64|aarch64)")
	cmd.Flags().StringVar(&workingDir, "working-dir", "/", "image working directory")

	cmd.RunE = withLogging(lvl, func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var buf bytes.Buffer
		if err := ocipkg.WriteLayer(f.diffIter(), &buf); err != nil {
			return fmt.Errorf("writing oci layer: %w", err)
		}
		img := ocipkg.Image{
			Architecture: ociArch(arch),
			Entrypoint:   entrypoint,
			Cmd:          cmdArgs,
			Env:          env,
			WorkingDir:   workingDir,
			RefName:      refName,
		}
		if err := ocipkg.Build(f.output, img, []ocipkg.Layer{{Tar: buf.Bytes()}}); err != nil {
			return fmt.Errorf("building oci image at %s: %w", f.output, err)
		}
		dlog.Infof(ctx, "packaged %s as an oci image at %s", f.subvol, f.output)
		return nil
	})
	return cmd
}

func newPackageSendstreamCmd(lvl *logLevelFlag) *cobra.Command {
	var f packageFlags
	var volumeName string
	cmd := &cobra.Command{
		Use:           "sendstream",
		Short:         "Package the diff against --parent as a btrfs send-stream",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	addPackageFlags(cmd, &f)
	cmd.Flags().StringVar(&volumeName, "volume-name", "", "subvolume name embedded in the stream header")
	_ = cmd.MarkFlagRequired("volume-name")

	cmd.RunE = withLogging(lvl, func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", f.output, err)
		}
		defer out.Close()
		if err := sendstream.Build(f.diffIter(), out, volumeName); err != nil {
			return fmt.Errorf("writing send-stream: %w", err)
		}
		dlog.Infof(ctx, "packaged %s as a send-stream at %s", f.subvol, f.output)
		return nil
	})
	return cmd
}

// ociArch maps antlir2's architecture names onto the OCI spec's GOARCH-style names.
func ociArch(a string) string {
	switch a {
	case "aarch64":
		return "arm64"
	default:
		return "amd64"
	}
}
