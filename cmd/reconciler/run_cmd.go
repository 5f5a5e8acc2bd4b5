package main

import (
	"github.com/spf13/cobra"

	"github.com/iota-uz/corpcms/modules/reconciliation/services"
)

func newRunCmd(global *globalOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass and print a JSON report per kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds, err := parseKinds(kind)
			if err != nil {
				return err
			}
			a, ctx, err := newApp(cmd.Context(), global)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			failed := false
			for _, k := range kinds {
				report := sched.RunSafely(ctx, k)
				if report.Status == services.RunFailed {
					failed = true
				}
				if err := writeJSONLine(toReportLine(report)); err != nil {
					return err
				}
			}
			if failed {
				return withCode(exitRunFailed, errRunFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "all", "Kind to reconcile: all|wiki|announcement")
	return cmd
}
