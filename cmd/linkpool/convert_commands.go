package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"linkpool/internal/convert"
	"linkpool/internal/daemonrun"
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "convert [link]",
		Short: "Convert one link through the bridge and print its configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link := strings.TrimSpace(args[0])
			return ctx.withServices(func(svc *daemonrun.Services) error {
				raw, err := svc.Bridge.ConvertTimeout(cmd.Context(), link, timeout)
				if err != nil {
					return err
				}
				if raw == nil {
					return errors.New("link could not be converted")
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (default: bridge.timeout_seconds)")

	cmd.AddCommand(newConvertPendingCommand(ctx))
	cmd.AddCommand(newConvertRepairCommand(ctx))
	return cmd
}

func newConvertPendingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Convert every link without a configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				stats, err := svc.Convert.RunPending(cmd.Context())
				if err != nil {
					return err
				}
				printConvertStats(cmd, stats)
				return nil
			})
		},
	}
}

func newConvertRepairCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Retry invalid links after repairing their text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				stats, err := svc.Convert.RunRepair(cmd.Context())
				if err != nil {
					return err
				}
				printConvertStats(cmd, stats)
				return nil
			})
		},
	}
}

func printConvertStats(cmd *cobra.Command, stats convert.Stats) {
	rows := [][]string{
		{"Seen", fmt.Sprint(stats.Seen)},
		{"Converted", fmt.Sprint(stats.Converted)},
		{"Repaired", fmt.Sprint(stats.Repaired)},
		{"Invalid", fmt.Sprint(stats.Invalid)},
		{"Unsupported", fmt.Sprint(stats.Unsupported)},
		{"Split", fmt.Sprint(stats.Split)},
		{"Unrepairable", fmt.Sprint(stats.Failed)},
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]column{textColumn("Result"), numberColumn("Links")},
		rows,
		"Batches", fmt.Sprint(stats.Batches),
	))
}
