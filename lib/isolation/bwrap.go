// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package isolation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/antlir2/antlir2/lib/subvol"
)

// BwrapBackend builds the same mount topology as UnshareBackend but
// expresses it as `bwrap` command-line arguments, letting bubblewrap
// (running setuid or with the right capabilities) do the namespace
// and mount work instead of antlir2 doing it directly.
type BwrapBackend struct {
	// BwrapPath overrides the `bwrap` binary to invoke; empty means
	// look it up on PATH.
	BwrapPath string
	// Subvolumes is used to snapshot an ephemeral layer before the
	// run and delete the snapshot after. Required when any Context
	// passed to Run has Ephemeral set.
	Subvolumes *subvol.Manager
}

func (b BwrapBackend) Run(ctx context.Context, spec *Context, argv []string) error {
	bwrap := b.BwrapPath
	if bwrap == "" {
		bwrap = "bwrap"
	}

	layer := spec.Layer
	if spec.Ephemeral {
		if b.Subvolumes == nil {
			return fmt.Errorf("isolation: bwrap backend needs a subvolume manager for ephemeral layers")
		}
		snap, err := b.Subvolumes.Snapshot(spec.Layer, snapshotPath(spec.Layer), subvol.SnapshotFlags{})
		if err != nil {
			return fmt.Errorf("isolation: snapshotting ephemeral layer: %w", err)
		}
		defer func() { _ = snap.Delete() }()
		layer = snap.Path()
	}

	args := []string{"--bind", layer, "/"}
	if spec.Readonly && !spec.Ephemeral {
		args = append(args, "--remount-ro", "/")
	}
	for _, dst := range spec.Tmpfs {
		args = append(args, "--tmpfs", dst)
	}
	for _, dst := range spec.Devtmpfs {
		args = append(args, "--dev", dst)
	}
	args = appendBindArgs(args, "--ro-bind", spec.Platform)
	args = appendBindArgs(args, "--ro-bind", spec.Inputs)
	args = appendBindArgs(args, "--bind", spec.Outputs)
	args = append(args, "--proc", "/proc")
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	args = append(args, "--unshare-net", "--unshare-uts")
	if wd := spec.WorkingDirectory; wd != "" {
		args = append(args, "--chdir", wd)
	}
	for k, v := range spec.Setenv {
		args = append(args, "--setenv", k, v)
	}
	args = append(args, "--uid", fmt.Sprint(spec.UID), "--gid", fmt.Sprint(spec.GID))
	args = append(args, "--")
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, bwrap, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd.Run()
}

func snapshotPath(layer string) string {
	return layer + ".ephemeral"
}

func appendBindArgs(args []string, flag string, binds map[string]string) []string {
	dsts := make([]string, 0, len(binds))
	for dst := range binds {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)
	for _, dst := range dsts {
		args = append(args, flag, binds[dst], dst)
	}
	return args
}
