package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iota-uz/corpcms/pkg/configuration"
)

type globalOptions struct {
	dsn string
}

func newRootCmd() *cobra.Command {
	var global globalOptions
	cmd := &cobra.Command{
		Use:           "reconciler",
		Short:         "Permission drift reconciliation for wiki folders and announcements",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&global.dsn, "dsn", "", "Postgres DSN (defaults to DB_* settings)")

	cmd.AddCommand(newRunCmd(&global))
	cmd.AddCommand(newDaemonCmd(&global))
	cmd.AddCommand(newMigrateCmd(&global))
	cmd.AddCommand(newReportCmd(&global))
	cmd.AddCommand(newReplaceCmd(&global))
	cmd.AddCommand(newResolveCmd(&global))
	return cmd
}

func Execute() {
	err := newRootCmd().Execute()
	configuration.Use().Unload()
	if err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
