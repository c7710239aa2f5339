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
)

// NspawnBackend translates a Context into a systemd-nspawn invocation.
// Unlike UnshareBackend and BwrapBackend, the child's PID 1 is
// systemd-nspawn's own init stub (or systemd itself, for
// BootReadOnly), so InvocationType actually changes which nspawn flags
// get used rather than being ignored.
type NspawnBackend struct {
	// NspawnPath overrides the `systemd-nspawn` binary to invoke;
	// empty means look it up on PATH.
	NspawnPath string
	// MachineName is passed as --machine; empty means let nspawn
	// derive one from the directory name.
	MachineName string
}

func (b NspawnBackend) Run(ctx context.Context, spec *Context, argv []string) error {
	nspawn := b.NspawnPath
	if nspawn == "" {
		nspawn = "systemd-nspawn"
	}

	args := []string{"--directory", spec.Layer, "--quiet"}
	if b.MachineName != "" {
		args = append(args, "--machine", b.MachineName)
	}
	if spec.Ephemeral {
		args = append(args, "--ephemeral")
	}
	if spec.Readonly && !spec.Ephemeral {
		args = append(args, "--read-only")
	}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	if wd := spec.WorkingDirectory; wd != "" {
		args = append(args, "--chdir", wd)
	}
	args = append(args, "--private-network", "--private-users=no")

	for _, dst := range spec.Tmpfs {
		args = append(args, "--tmpfs="+dst)
	}
	args = appendNspawnBinds(args, "--bind-ro", spec.Platform)
	args = appendNspawnBinds(args, "--bind-ro", spec.Inputs)
	args = appendNspawnBinds(args, "--bind", spec.Outputs)

	for k, v := range spec.Setenv {
		args = append(args, "--setenv="+k+"="+v)
	}
	args = append(args, fmt.Sprintf("--uid=%d", spec.UID))

	switch spec.InvocationType {
	case BootReadOnly:
		args = append(args, "--boot")
	case Pid2Interactive:
		args = append(args, "--console=interactive")
	case Pid2Pipe, "":
		args = append(args, "--console=pipe")
	default:
		return fmt.Errorf("isolation: unknown invocation type %q", spec.InvocationType)
	}

	if spec.InvocationType != BootReadOnly {
		args = append(args, "--")
		args = append(args, argv...)
	}

	cmd := exec.CommandContext(ctx, nspawn, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd.Run()
}

func appendNspawnBinds(args []string, flag string, binds map[string]string) []string {
	dsts := make([]string, 0, len(binds))
	for dst := range binds {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)
	for _, dst := range dsts {
		args = append(args, flag+"="+binds[dst]+":"+dst)
	}
	return args
}
