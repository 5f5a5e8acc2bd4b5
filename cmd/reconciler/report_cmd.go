package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iota-uz/corpcms/modules/reconciliation/infrastructure/export"
)

func newReportCmd(global *globalOptions) *cobra.Command {
	var (
		kind   string
		output string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export recent reconciliation log entries to an XLSX file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds, err := parseKinds(kind)
			if err != nil {
				return err
			}
			if limit <= 0 {
				return withCode(exitUsage, fmt.Errorf("--limit must be positive"))
			}
			a, ctx, err := newApp(cmd.Context(), global)
			if err != nil {
				return err
			}
			defer a.Close()

			sheets := make([]export.Sheet, 0, len(kinds))
			total := 0
			for _, k := range kinds {
				entries, err := a.logs.ListRecent(ctx, k, limit)
				if err != nil {
					return withCode(exitDB, err)
				}
				sheets = append(sheets, export.Sheet{Kind: k, Entries: entries})
				total += len(entries)
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := export.WriteXLSX(f, sheets); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			return writeJSONLine(map[string]any{"output": output, "entries": total})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "all", "Kind to export: all|wiki|announcement")
	cmd.Flags().StringVar(&output, "output", "reconciliation.xlsx", "Output file")
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum entries per kind")
	return cmd
}
