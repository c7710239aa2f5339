// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package facts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/antlir2/antlir2/lib/isolation"
	"github.com/antlir2/antlir2/lib/usergroup"
)

// Sync re-populates the directory-entry, user/group and systemd-unit
// buckets from root's current on-disk state, deleting any previously
// recorded fact of those kinds that wasn't touched during this pass —
// the insert-then-delete-the-untouched-leftovers pattern, so a layer
// rebuilt with fewer files or users than last time doesn't leave stale
// rows behind. Rpm facts are not synced here; SyncRpms does that.
func Sync(tx *Tx, root string) error {
	if err := syncDirEntries(tx, root); err != nil {
		return fmt.Errorf("facts: syncing directory entries: %w", err)
	}
	if err := syncUserGroups(tx, root); err != nil {
		return fmt.Errorf("facts: syncing users/groups: %w", err)
	}
	if err := syncSystemdUnits(tx, root); err != nil {
		return fmt.Errorf("facts: syncing systemd units: %w", err)
	}
	return nil
}

// SyncRpms is separate from Sync because, unlike the rest of the
// facts a plain filesystem walk can discover, enumerating installed
// rpms requires running `rpm` inside an isolated view of root (rpm's
// database format isn't something this module parses directly).
func SyncRpms(ctx context.Context, tx *Tx, root string, backend isolation.Backend) error {
	stale, err := AllKeys[Rpm](tx)
	if err != nil {
		return fmt.Errorf("facts: listing existing rpm facts: %w", err)
	}
	staleSet := make(map[string]bool, len(stale))
	for _, k := range stale {
		staleSet[k] = true
	}

	rpms, err := queryInstalledRpms(ctx, root, backend)
	if err != nil {
		return fmt.Errorf("facts: querying installed rpms: %w", err)
	}
	for _, r := range rpms {
		if err := Insert(tx, r); err != nil {
			return err
		}
		delete(staleSet, r.FactKey())
	}
	for key := range staleSet {
		if err := Delete[Rpm](tx, key); err != nil {
			return err
		}
	}
	return nil
}

const rpmQueryFormat = `%{NAME}\t%|EPOCH?{%{EPOCH}}:{0}|\t%{VERSION}\t%{RELEASE}\t%{ARCH}\n`

// queryInstalledRpms runs `rpm -qa` inside an ephemeral jail rooted at
// root, so the host's own rpm database is never consulted.
func queryInstalledRpms(ctx context.Context, root string, backend isolation.Backend) ([]Rpm, error) {
	var out bytes.Buffer
	spec := &isolation.Context{
		Layer:     root,
		Ephemeral: true,
	}
	if err := isolation.RunCaptured(ctx, spec, []string{"rpm", "-qa", "--qf", rpmQueryFormat}, &out); err != nil {
		return nil, err
	}

	var rpms []Rpm
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			return nil, fmt.Errorf("unexpected rpm -qa output line %q", line)
		}
		rpms = append(rpms, Rpm{
			Name:    fields[0],
			Epoch:   fields[1],
			Version: fields[2],
			Release: fields[3],
			Arch:    fields[4],
		})
	}
	return rpms, nil
}

func syncDirEntries(tx *Tx, root string) error {
	stale, err := AllKeys[DirEntry](tx)
	if err != nil {
		return err
	}
	staleSet := make(map[string]bool, len(stale))
	for _, k := range stale {
		staleSet[k] = true
	}

	err = filepath.WalkDir(root, func(fullPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, fullPath)
		if err != nil {
			return err
		}
		path := "/" + filepath.ToSlash(rel)
		if rel == "." {
			path = "/"
		}

		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("statting %s: %w", fullPath, err)
		}
		st, _ := fi.Sys().(*syscall.Stat_t)

		entry := DirEntry{Path: path}
		if st != nil {
			entry.UID, entry.GID, entry.Mode = st.Uid, st.Gid, st.Mode&0o7777
		}
		switch {
		case fi.IsDir():
			entry.Kind = DirEntryDirectory
		case fi.Mode()&os.ModeSymlink != 0:
			entry.Kind = DirEntrySymlink
			target, err := os.Readlink(fullPath)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", fullPath, err)
			}
			entry.LinkTarget = target
		default:
			entry.Kind = DirEntryRegular
		}

		if err := Insert(tx, entry); err != nil {
			return err
		}
		delete(staleSet, entry.FactKey())
		return nil
	})
	if err != nil {
		return err
	}
	for key := range staleSet {
		if err := Delete[DirEntry](tx, key); err != nil {
			return err
		}
	}
	return nil
}

func syncUserGroups(tx *Tx, root string) error {
	staleUsers, err := AllKeys[User](tx)
	if err != nil {
		return err
	}
	staleGroups, err := AllKeys[Group](tx)
	if err != nil {
		return err
	}
	staleUserSet := toSet(staleUsers)
	staleGroupSet := toSet(staleGroups)

	passwdBytes, err := os.ReadFile(filepath.Join(root, "etc/passwd"))
	switch {
	case os.IsNotExist(err):
		passwdBytes = nil
	case err != nil:
		return fmt.Errorf("reading etc/passwd: %w", err)
	}
	userDB, err := usergroup.ParseUserDB(string(passwdBytes))
	if err != nil {
		return fmt.Errorf("parsing etc/passwd: %w", err)
	}
	for _, rec := range userDB.Records {
		u := User{Name: rec.Name, UID: rec.UID}
		if err := Insert(tx, u); err != nil {
			return err
		}
		delete(staleUserSet, u.FactKey())
	}

	groupBytes, err := os.ReadFile(filepath.Join(root, "etc/group"))
	switch {
	case os.IsNotExist(err):
		groupBytes = nil
	case err != nil:
		return fmt.Errorf("reading etc/group: %w", err)
	}
	groupDB, err := usergroup.ParseGroupDB(string(groupBytes))
	if err != nil {
		return fmt.Errorf("parsing etc/group: %w", err)
	}
	for _, rec := range groupDB.Records {
		g := Group{Name: rec.Name, GID: rec.GID, Members: rec.Members}
		if err := Insert(tx, g); err != nil {
			return err
		}
		delete(staleGroupSet, g.FactKey())
	}

	for key := range staleUserSet {
		if err := Delete[User](tx, key); err != nil {
			return err
		}
	}
	for key := range staleGroupSet {
		if err := Delete[Group](tx, key); err != nil {
			return err
		}
	}
	return nil
}

// systemdUnitDirs mirrors systemd's own unit search path, most
// specific first; antlir2 only needs to know a unit file exists and
// whether some .wants/.requires symlink enables it, not resolve the
// full override/drop-in precedence systemd itself does at boot.
var systemdUnitDirs = []string{
	"etc/systemd/system",
	"usr/lib/systemd/system",
	"lib/systemd/system",
}

func syncSystemdUnits(tx *Tx, root string) error {
	stale, err := AllKeys[SystemdUnit](tx)
	if err != nil {
		return err
	}
	staleSet := toSet(stale)

	enabled := map[string]bool{}
	for _, dir := range systemdUnitDirs {
		wants, _ := filepath.Glob(filepath.Join(root, dir, "*.wants", "*"))
		requires, _ := filepath.Glob(filepath.Join(root, dir, "*.requires", "*"))
		for _, link := range append(wants, requires...) {
			enabled[filepath.Base(link)] = true
		}
	}

	for _, dir := range systemdUnitDirs {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if strings.HasSuffix(name, ".wants") || strings.HasSuffix(name, ".requires") {
				continue
			}
			unit := SystemdUnit{
				Name:    name,
				Path:    "/" + filepath.Join(dir, name),
				Enabled: enabled[name],
			}
			if err := Insert(tx, unit); err != nil {
				return err
			}
			delete(staleSet, unit.FactKey())
		}
	}

	for key := range staleSet {
		if err := Delete[SystemdUnit](tx, key); err != nil {
			return err
		}
	}
	return nil
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
