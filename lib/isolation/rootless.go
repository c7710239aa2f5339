// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package isolation

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/antlir2/antlir2/lib/containers"
)

// escalated tracks whether a privilege guard is currently held, so a
// second Escalate call while one is outstanding fails loudly instead
// of silently nesting (seteuid/setegid don't nest: the second
// Release would restore the wrong saved ids).
var escalated containers.SyncValue[bool]

// Guard is a held privilege escalation. Release restores the euid/egid
// that were in effect when Escalate was called.
type Guard struct {
	prevEUID int
	prevEGID int
}

// Escalate raises the process's effective uid/gid to 0, returning a
// Guard whose Release restores the previously-effective ids. The
// caller must already be able to become root (real root with dropped
// privileges, or a setuid-root binary); Escalate does not create new
// privilege, only exercises privilege the process already has.
func Escalate() (*Guard, error) {
	if held, ok := escalated.Load(); ok && held {
		return nil, errors.New("isolation: privilege escalation already held")
	}
	g := &Guard{prevEUID: unix.Geteuid(), prevEGID: unix.Getegid()}
	if err := unix.Setegid(0); err != nil {
		return nil, fmt.Errorf("isolation: escalating egid: %w", err)
	}
	if err := unix.Seteuid(0); err != nil {
		_ = unix.Setegid(g.prevEGID)
		return nil, fmt.Errorf("isolation: escalating euid: %w", err)
	}
	escalated.Store(true)
	return g, nil
}

// Release restores the euid/egid saved by Escalate. It is safe to
// call at most once per Guard.
func (g *Guard) Release() error {
	defer escalated.Store(false)
	if err := unix.Seteuid(g.prevEUID); err != nil {
		return fmt.Errorf("isolation: restoring euid: %w", err)
	}
	if err := unix.Setegid(g.prevEGID); err != nil {
		return fmt.Errorf("isolation: restoring egid: %w", err)
	}
	return nil
}

// CallerIDs returns the uid/gid the isolated child should ultimately
// run as. If the process was invoked through sudo and leaked
// SUDO_UID/SUDO_GID, those are preferred over the (already-root)
// current ids, since they name the human operator rather than root.
func CallerIDs() (uid, gid uint32, fromSudo bool) {
	uidStr := os.Getenv("SUDO_UID")
	if uidStr == "" {
		return uint32(os.Getuid()), uint32(os.Getgid()), false
	}
	parsedUID, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return uint32(os.Getuid()), uint32(os.Getgid()), false
	}
	parsedGID := uint64(os.Getgid())
	if gidStr := os.Getenv("SUDO_GID"); gidStr != "" {
		if v, err := strconv.ParseUint(gidStr, 10, 32); err == nil {
			parsedGID = v
		}
	}
	return uint32(parsedUID), uint32(parsedGID), true
}

// SubIDRange is one line of /etc/subuid or /etc/subgid: an id range
// delegated to a user for mapping into a user namespace.
type SubIDRange struct {
	Start  uint32
	Length uint32
}

// minUsernsRange is the smallest delegated range antlir2 will accept;
// a full uid/gid space for a rootless build needs at least this many
// ids (0-65535, matching a typical container's internal id space).
const minUsernsRange = 65536

// DiscoverSubIDRange reads path (/etc/subuid or /etc/subgid) and
// returns the first range belonging to username that is at least
// minUsernsRange ids long.
func DiscoverSubIDRange(path, username string) (SubIDRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return SubIDRange{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 || fields[0] != username {
			continue
		}
		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		length, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		if length < minUsernsRange {
			continue
		}
		return SubIDRange{Start: uint32(start), Length: uint32(length)}, nil
	}
	if err := scanner.Err(); err != nil {
		return SubIDRange{}, err
	}
	return SubIDRange{}, fmt.Errorf("isolation: no range of at least %d ids for %q in %s", minUsernsRange, username, path)
}
