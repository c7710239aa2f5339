// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/antlir2/antlir2/lib/facts"
	"github.com/antlir2/antlir2/lib/isolation"
)

// newFactsCmd wires the peripheral "facts sync" subcommand: it
// re-populates a subvolume's facts database from its current on-disk
// state, the out-of-scope-hard-edge side component described
// alongside the compile driver.
func newFactsCmd(lvl *logLevelFlag) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Maintain a subvolume's facts database",

		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(newFactsSyncCmd(lvl))
	return cmd
}

func newFactsSyncCmd(lvl *logLevelFlag) *cobra.Command {
	var subvol, db string
	var skipRpms bool
	cmd := &cobra.Command{
		Use:           "sync",
		Short:         "Re-populate a facts database from a subvolume's current state",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.Flags().StringVar(&subvol, "subvol", "", "path of the subvolume to inventory")
	cmd.Flags().StringVar(&db, "db", "", "path of the facts database file")
	cmd.Flags().BoolVar(&skipRpms, "skip-rpms", false, "don't shell out to rpm -qa for package facts")
	for _, name := range []string{"subvol", "db"} {
		_ = cmd.MarkFlagRequired(name)
	}

	cmd.RunE = withLogging(lvl, func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fdb, err := facts.Open(db)
		if err != nil {
			return fmt.Errorf("opening facts database %s: %w", db, err)
		}
		defer fdb.Close()

		if err := fdb.Update(func(tx *facts.Tx) error {
			return facts.Sync(tx, subvol)
		}); err != nil {
			return fmt.Errorf("syncing facts: %w", err)
		}

		if !skipRpms {
			if err := fdb.Update(func(tx *facts.Tx) error {
				return facts.SyncRpms(ctx, tx, subvol, isolation.UnshareBackend{})
			}); err != nil {
				return fmt.Errorf("syncing rpm facts: %w", err)
			}
		}

		dlog.Infof(ctx, "synced facts database %s from %s", db, subvol)
		return nil
	})
	return cmd
}
