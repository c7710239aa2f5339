// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/antlir2/antlir2/lib/util"
)

// reexecMarker is the first argument antlir2 recognizes as "this is
// the reexeced child, not a user invocation"; Reexec checks for it at
// the top of main().
const reexecMarker = "__antlir2_nsinit__"

const reexecEnvVar = "ANTLIR2_ISOLATION_SPEC"

// UnshareBackend is the reference isolation backend: it builds the
// jail itself via unshare(2) plus manual mount plumbing, rather than
// delegating to an external tool like bwrap or systemd-nspawn.
//
// Go cannot run arbitrary code between fork and exec in one process
// (the runtime's scheduler and memory allocator aren't fork-safe), so
// the "post-fork-pre-exec callback" the reference backend needs is
// implemented as a reexec: the child is a fresh exec of the antlir2
// binary itself, launched already-unshared via Cloneflags, which
// notices the marker argument, builds the jail with ordinary syscalls
// (safe now that it's a distinct process image), and finally
// syscall.Exec()s the real target in place of itself.
type UnshareBackend struct{}

func (UnshareBackend) Run(ctx context.Context, spec *Context, argv []string) error {
	return runReexeced(ctx, spec, argv, os.Stdout)
}

// RunCaptured is Run, but with the child's stdout captured to stdout
// instead of wired to this process's own — used by callers (the
// extract feature's `ld.so --list`, the facts package's `rpm -qa`
// query, `antlir2 map`) that need what the isolated child printed.
func RunCaptured(ctx context.Context, spec *Context, argv []string, stdout io.Writer) error {
	return runReexeced(ctx, spec, argv, stdout)
}

func runReexeced(ctx context.Context, spec *Context, argv []string, stdout io.Writer) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("isolation: locating own executable: %w", err)
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("isolation: encoding spec: %w", err)
	}

	cmd := exec.CommandContext(ctx, self, append([]string{reexecMarker}, argv...)...)
	cmd.Env = append(os.Environ(), reexecEnvVar+"="+string(payload))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWNET | syscall.CLONE_NEWUTS,
	}
	return cmd.Run()
}

// Reexec is called at the very top of main(), before flag parsing. If
// the process was launched by UnshareBackend.Run it builds the jail
// and execs the real target; otherwise it returns immediately and
// normal command dispatch continues.
func Reexec() {
	if len(os.Args) < 2 || os.Args[1] != reexecMarker {
		return
	}
	if err := reexecMain(); err != nil {
		fmt.Fprintln(os.Stderr, "antlir2: isolation:", err)
		os.Exit(1)
	}
	panic("unreachable: reexecMain only returns on error")
}

func reexecMain() error {
	var spec Context
	if err := json.Unmarshal([]byte(os.Getenv(reexecEnvVar)), &spec); err != nil {
		return fmt.Errorf("decoding isolation spec: %w", err)
	}
	argv := os.Args[2:]
	if len(argv) == 0 {
		return fmt.Errorf("no command given to run inside the jail")
	}

	if err := buildJail(&spec); err != nil {
		return err
	}

	env := os.Environ()
	for k, v := range spec.Setenv {
		env = append(env, k+"="+v)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", argv[0], err)
	}
	return syscall.Exec(path, argv, env)
}

// buildJail performs steps 2-10 of the reference backend: everything
// after the namespaces have already been unshared by Cloneflags.
func buildJail(spec *Context) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("remounting / private: %w", err)
	}

	const scratch = "/tmp/__antlir2__"
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	if err := unix.Mount("tmpfs", scratch, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("mounting scratch tmpfs: %w", err)
	}

	newroot := filepath.Join(scratch, "newroot")
	if err := os.MkdirAll(newroot, 0o755); err != nil {
		return err
	}
	if err := materializeRoot(spec, scratch, newroot); err != nil {
		return err
	}

	for _, dst := range spec.Tmpfs {
		if err := mountFresh(newroot, dst, "tmpfs"); err != nil {
			return err
		}
	}
	for _, dst := range spec.Devtmpfs {
		if err := mountFresh(newroot, dst, "devtmpfs"); err != nil {
			return err
		}
	}

	if err := bindAll(newroot, spec.Platform, true); err != nil {
		return err
	}
	if err := bindAll(newroot, spec.Inputs, true); err != nil {
		return err
	}
	if err := bindAll(newroot, spec.Outputs, false); err != nil {
		return err
	}

	hostname := spec.Hostname
	if hostname == "" {
		if u, err := util.NewRandomUUID(); err == nil {
			hostname = u.String()
		}
	}
	if hostname != "" {
		if err := unix.Sethostname([]byte(hostname)); err != nil {
			return fmt.Errorf("sethostname: %w", err)
		}
	}

	procDst := filepath.Join(newroot, "proc")
	if err := os.MkdirAll(procDst, 0o555); err != nil {
		return err
	}
	if err := unix.Mount("/proc", procDst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("binding /proc: %w", err)
	}

	if err := unix.Chroot(newroot); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	wd := spec.WorkingDirectory
	if wd == "" {
		wd = "/"
	}
	if err := unix.Chdir(wd); err != nil {
		return fmt.Errorf("chdir %s: %w", wd, err)
	}

	if err := unix.Setgid(int(spec.GID)); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(int(spec.UID)); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}

// materializeRoot mounts NEWROOT as either an ephemeral overlay over
// spec.Layer or a direct (optionally read-only) bind of it.
func materializeRoot(spec *Context, scratch, newroot string) error {
	if spec.Ephemeral {
		upper := filepath.Join(scratch, "upper")
		work := filepath.Join(scratch, "work")
		if err := os.MkdirAll(upper, 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(work, 0o755); err != nil {
			return err
		}
		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", spec.Layer, upper, work)
		if err := unix.Mount("overlay", newroot, "overlay", 0, opts); err != nil {
			return fmt.Errorf("mounting ephemeral overlay: %w", err)
		}
		return nil
	}
	if err := unix.Mount(spec.Layer, newroot, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mounting layer: %w", err)
	}
	if spec.Readonly {
		if err := unix.Mount("", newroot, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remounting layer readonly: %w", err)
		}
	}
	return nil
}

func mountFresh(newroot, dst, kind string) error {
	target := filepath.Join(newroot, dst)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating %s mountpoint: %w", kind, err)
	}
	if err := unix.Mount(kind, target, kind, 0, ""); err != nil {
		return fmt.Errorf("mounting %s at %s: %w", kind, dst, err)
	}
	return nil
}

// bindAll bind-mounts each dst -> src pair (sorted by dst, so mount
// order is deterministic regardless of map iteration), creating the
// target as a directory or empty file to match the source's type.
func bindAll(newroot string, binds map[string]string, readonly bool) error {
	dsts := make([]string, 0, len(binds))
	for dst := range binds {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)
	for _, dst := range dsts {
		src := binds[dst]
		target := filepath.Join(newroot, dst)
		if err := prepareBindTarget(target, src); err != nil {
			return fmt.Errorf("preparing bind target %s: %w", dst, err)
		}
		if err := unix.Mount(src, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mounting %s: %w", dst, err)
		}
		if readonly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remounting %s readonly: %w", dst, err)
			}
		}
	}
	return nil
}

func prepareBindTarget(target, src string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if fi.IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
