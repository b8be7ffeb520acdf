package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"linkpool/internal/daemonrun"
	"linkpool/internal/lease"
	"linkpool/internal/store"
)

func newLeaseCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newClaimCommand(ctx),
		newStartCommand(ctx),
		newCompleteCommand(ctx),
		newRenewCommand(ctx),
		newReleaseCommand(ctx),
		newReclaimCommand(ctx),
		newRequeueCommand(ctx),
	}
}

func newClaimCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Lease a cohort of links for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				cohort, err := svc.Lease.Claim(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, cohort)
				}
				out := cmd.OutOrStdout()
				if len(cohort.LinkIDs) == 0 {
					fmt.Fprintf(out, "No links claimed (%d lost to other workers)\n", cohort.Lost)
					return nil
				}
				ids := make([]string, 0, len(cohort.LinkIDs))
				for _, id := range cohort.LinkIDs {
					ids = append(ids, strconv.FormatInt(id, 10))
				}
				fmt.Fprintf(out, "Batch %s (owner %s)\n", cohort.BatchID, svc.Lease.Owner())
				fmt.Fprintf(out, "Claimed %d links: %s\n", len(cohort.LinkIDs), strings.Join(ids, ", "))
				if cohort.Lost > 0 {
					fmt.Fprintf(out, "Lost %d links to other workers\n", cohort.Lost)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum links to claim (default: lease.claim_limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Begin testing a claimed link and allocate its test inbound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				inbound, err := svc.Lease.Start(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, inbound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Link %d testing on port %d (tag %s)\n", id, inbound.Port, inbound.Tag)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newCompleteCommand(ctx *commandContext) *cobra.Command {
	var (
		ok         bool
		failure    string
		ip         string
		country    string
		city       string
		datacenter string
	)
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Record a test outcome and release the link's inbound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if ok == (failure != "") {
				return errors.New("exactly one of --ok or --error is required")
			}
			outcome := lease.Outcome{
				OK:     ok,
				Error:  failure,
				Egress: store.Egress{IP: ip, Country: country, City: city, Datacenter: datacenter},
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				if err := svc.Lease.Complete(cmd.Context(), id, outcome); err != nil {
					return err
				}
				result := "done"
				if !ok {
					result = "failed (" + lease.NormalizeErrorCode(failure) + ")"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Link %d %s\n", id, result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ok, "ok", false, "Test passed")
	cmd.Flags().StringVar(&failure, "error", "", "Failure reason; the first word becomes the error code")
	cmd.Flags().StringVar(&ip, "ip", "", "Egress IP seen through the link")
	cmd.Flags().StringVar(&country, "country", "", "Egress country")
	cmd.Flags().StringVar(&city, "city", "", "Egress city")
	cmd.Flags().StringVar(&datacenter, "datacenter", "", "Egress datacenter or ASN label")
	return cmd
}

func newRenewCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "renew <id>",
		Short: "Extend the lease on a link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				if err := svc.Lease.Renew(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renewed lease on link %d\n", id)
				return nil
			})
		},
	}
}

func newReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <batch-id>",
		Short: "Return the links of a claimed batch to idle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				n, err := svc.Lease.Release(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released %d links\n", n)
				return nil
			})
		},
	}
}

func newReclaimCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return links with expired leases to idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				n, err := svc.Lease.ReclaimExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d expired leases\n", n)
				return nil
			})
		},
	}
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return finished links to idle for another test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(svc *daemonrun.Services) error {
				age := olderThan
				if !cmd.Flags().Changed("older-than") {
					age = svc.Config.RetestAfter()
				}
				n, err := svc.Lease.Requeue(cmd.Context(), age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d links\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age of the last test (default: daemon.retest_after_minutes)")
	return cmd
}
