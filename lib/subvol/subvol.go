// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package subvol manages the lifecycle of btrfs subvolumes used as
// image layers: creating them, snapshotting them, sealing them
// read-only, and deleting them, all via the kernel's BTRFS_IOC_*
// ioctls rather than by parsing the on-disk format.
package subvol

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"
)

// State is where a Subvolume sits in its lifecycle. SetReadonly moves
// a subvolume between Writable and Readonly in either direction;
// Deleted is final.
type State int

const (
	Writable State = iota
	Readonly
	Deleted
)

func (s State) String() string {
	switch s {
	case Writable:
		return "writable"
	case Readonly:
		return "readonly"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Subvolume is an owning handle to a btrfs subvolume at a path.
type Subvolume struct {
	path  string
	state State
}

func (s *Subvolume) Path() string  { return s.path }
func (s *Subvolume) State() State  { return s.state }

// SnapshotFlags controls Manager.Snapshot.
type SnapshotFlags struct {
	// Readonly seals the new snapshot immediately. The default
	// (false) matches btrfs's own default: a snapshot is writable
	// unless the caller asks otherwise, even though its source may
	// itself be read-only.
	Readonly bool
}

// Manager creates and destroys subvolumes. It carries no state of its
// own; it exists so callers have a single type to pass around (and so
// tests can substitute a fake).
type Manager struct{}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("subvol: empty subvolume name")
	}
	if len(name) > subvolNameMax {
		return fmt.Errorf("subvol: name %q exceeds %d bytes", name, subvolNameMax)
	}
	return nil
}

// Create makes a new, empty subvolume at path. path's parent directory
// must already exist on a btrfs filesystem.
func (m *Manager) Create(path string) (*Subvolume, error) {
	dir, name := filepath.Split(filepath.Clean(path))
	if err := validateName(name); err != nil {
		return nil, err
	}
	dirFd, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("subvol: opening %s: %w", dir, err)
	}
	defer dirFd.Close()

	var args volArgsV2
	copy(args.Name[:], name)
	if err := doIoctl(int(dirFd.Fd()), iocSubvolCreateV2, unsafe.Pointer(&args)); err != nil {
		return nil, fmt.Errorf("subvol: creating %s: %w", path, err)
	}
	return &Subvolume{path: path, state: Writable}, nil
}

// Snapshot creates a new subvolume at dst that's a copy-on-write
// snapshot of the subvolume at parent, inheriting its contents and
// xattrs.
func (m *Manager) Snapshot(parent, dst string, flags SnapshotFlags) (*Subvolume, error) {
	parentFd, err := os.Open(parent)
	if err != nil {
		return nil, fmt.Errorf("subvol: opening parent %s: %w", parent, err)
	}
	defer parentFd.Close()

	dir, name := filepath.Split(filepath.Clean(dst))
	if err := validateName(name); err != nil {
		return nil, err
	}
	dirFd, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("subvol: opening %s: %w", dir, err)
	}
	defer dirFd.Close()

	var args volArgsV2
	args.Fd = int64(parentFd.Fd())
	if flags.Readonly {
		args.Flags |= subvolRdonly
	}
	copy(args.Name[:], name)
	if err := doIoctl(int(dirFd.Fd()), iocSnapCreateV2, unsafe.Pointer(&args)); err != nil {
		return nil, fmt.Errorf("subvol: snapshotting %s to %s: %w", parent, dst, err)
	}

	state := Writable
	if flags.Readonly {
		state = Readonly
	}
	return &Subvolume{path: dst, state: state}, nil
}

// SetReadonly flips the subvolume's BTRFS_SUBVOL_RDONLY flag.
func (s *Subvolume) SetReadonly(ro bool) error {
	if s.state == Deleted {
		return fmt.Errorf("subvol: %s is already deleted", s.path)
	}
	fd, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("subvol: opening %s: %w", s.path, err)
	}
	defer fd.Close()

	var rawFlags uint64
	if err := doIoctl(int(fd.Fd()), iocSubvolGetFlags, unsafe.Pointer(&rawFlags)); err != nil {
		return fmt.Errorf("subvol: reading flags of %s: %w", s.path, err)
	}
	if ro {
		rawFlags |= subvolRdonly
	} else {
		rawFlags &^= subvolRdonly
	}
	if err := doIoctl(int(fd.Fd()), iocSubvolSetFlags, unsafe.Pointer(&rawFlags)); err != nil {
		return fmt.Errorf("subvol: setting flags of %s: %w", s.path, err)
	}
	if ro {
		s.state = Readonly
	} else {
		s.state = Writable
	}
	return nil
}

// Seal marks the subvolume read-only; no further mutation is allowed
// once this returns successfully.
func (s *Subvolume) Seal() error {
	return s.SetReadonly(true)
}

// Delete destroys the subvolume. It is a no-op if already deleted.
func (s *Subvolume) Delete() error {
	if s.state == Deleted {
		return nil
	}
	if err := deleteSubvolumeAt(s.path); err != nil {
		return err
	}
	s.state = Deleted
	return nil
}

func deleteSubvolumeAt(path string) error {
	dir, name := filepath.Split(filepath.Clean(path))
	dirFd, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("subvol: opening %s: %w", dir, err)
	}
	defer dirFd.Close()

	var args volArgsV2
	copy(args.Name[:], name)
	if err := doIoctl(int(dirFd.Fd()), iocSnapDestroyV2, unsafe.Pointer(&args)); err != nil {
		return fmt.Errorf("subvol: deleting %s: %w", path, err)
	}
	return nil
}

// Publish atomically replaces the symlink at linkPath so that it
// points at subvolPath. If linkPath already pointed somewhere else,
// the previously-published subvolume is deleted on a best-effort
// basis: failure to delete it is never fatal, since the new symlink
// has already taken effect.
func Publish(subvolPath, linkPath string) error {
	tmp := linkPath + ".antlir2-tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(subvolPath, tmp); err != nil {
		return fmt.Errorf("subvol: creating replacement symlink: %w", err)
	}

	prevTarget, _ := os.Readlink(linkPath)

	if err := os.Rename(tmp, linkPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("subvol: publishing %s: %w", linkPath, err)
	}

	if prevTarget != "" && prevTarget != subvolPath {
		_ = deleteSubvolumeAt(prevTarget)
	}
	return nil
}
