package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"linkpool/internal/daemonrun"
	"linkpool/internal/deps"
	"linkpool/internal/store"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show link and inbound counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				summary, err := svc.Store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, summary)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]column{textColumn("Metric"), numberColumn("Count")},
					buildStatsRows(summary),
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildStatsRows(summary store.Summary) [][]string {
	rows := [][]string{
		{"Links", strconv.Itoa(summary.Links)},
		{"Pending conversion", strconv.Itoa(summary.PendingConversion)},
		{"Invalid", strconv.Itoa(summary.Invalid)},
		{"Unsupported", strconv.Itoa(summary.Unsupported)},
		{"Dedup pending", strconv.Itoa(summary.DedupPending)},
		{"Primaries", strconv.Itoa(summary.Primaries)},
		{"Duplicates", strconv.Itoa(summary.Duplicates)},
		{"Alive", strconv.Itoa(summary.Alive)},
	}
	for _, status := range []store.TestStatus{store.TestIdle, store.TestClaimed, store.TestTesting, store.TestDone, store.TestFailed} {
		rows = append(rows, []string{"Test " + string(status), strconv.Itoa(summary.ByTestStatus[status])})
	}
	roles := make([]string, 0, len(summary.InboundsByRole))
	for role := range summary.InboundsByRole {
		roles = append(roles, string(role))
	}
	slices.Sort(roles)
	for _, role := range roles {
		rows = append(rows, []string{"Inbounds " + role, strconv.Itoa(summary.InboundsByRole[store.InboundRole(role)])})
	}
	return rows
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check database schema and integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				health, err := svc.Store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				w := newStatusWriter(cmd.OutOrStdout())
				w.section("Database")
				w.line("Path", statusInfo, health.DBPath)
				w.check("Readable", health.DatabaseReadable, "")
				w.check("Integrity", health.IntegrityCheck, "")
				w.check("Foreign keys", health.ForeignKeys, "")
				w.check("Tables", len(health.MissingTables) == 0, strings.Join(health.MissingTables, ", "))
				w.line("Migrations", statusInfo, strings.Join(health.AppliedVersions, ", "))
				if health.Error != "" {
					w.line("Error", statusError, health.Error)
				}
				w.section("Dependencies")
				for _, dep := range deps.Check(svc.Config) {
					switch {
					case dep.Available:
						w.line(dep.Name, statusOK, dep.Command)
					case dep.Optional:
						w.line(dep.Name, statusWarn, dep.Detail)
					default:
						w.line(dep.Name, statusError, dep.Detail)
					}
				}
				w.flush()
				return nil
			})
		},
	}
}
