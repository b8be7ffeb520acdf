package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"linkpool/internal/daemonrun"
)

func newDedupCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Run one deduplication pass over unchecked links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				stats, err := svc.Dedup.Run(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, stats)
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"Scanned %d links in %d groups: %d primaries, %d duplicates (%d joined existing groups)\n",
					stats.Scanned, stats.Groups, stats.Primaries, stats.Duplicates, stats.Joined)
				fmt.Fprintf(cmd.OutOrStdout(), "Writes: %d applied, %d skipped, %d conflicts\n",
					stats.Applied, stats.Skipped, stats.Conflicts)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
