// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command antlir2 builds btrfs-subvolume image layers from a
// persisted feature dependency graph, optionally inside an isolation
// jail built from a build-appliance image.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/antlir2/antlir2/lib/isolation"
	"github.com/antlir2/antlir2/lib/profile"
	"github.com/antlir2/antlir2/lib/textui"
)

type logLevelFlag = textui.LogLevelFlag

// withLogging wraps a subcommand's RunE so that every leaf command
// runs with a logger and a signal-aware dgroup in its context, the
// same shape the teacher gives every inspect/repair subcommand.
func withLogging(lvl *logLevelFlag, runE func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ctx = dlog.WithLogger(ctx, textui.NewLogger(os.Stderr, lvl.Level))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			cmd.SetContext(ctx)
			return runE(cmd, args)
		})
		return grp.Wait()
	}
}

func main() {
	isolation.Reexec()

	lvl := &logLevelFlag{Level: dlog.LogLevelInfo}

	argparser := &cobra.Command{
		Use:   "antlir2 {[flags]|SUBCOMMAND}",
		Short: "Build btrfs-subvolume image layers from a feature dependency graph",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() handles this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc handles it

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(lvl, "verbosity", "set the verbosity")
	stopProfile := profile.AddProfileFlags(argparser.PersistentFlags(), "profile-")

	argparser.AddCommand(newCompileCmd(lvl))
	argparser.AddCommand(newMapCmd(lvl))
	argparser.AddCommand(newPlanCmd(lvl))
	argparser.AddCommand(newPackageCmd(lvl))
	argparser.AddCommand(newFactsCmd(lvl))

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfile(); err == nil {
		err = stopErr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
