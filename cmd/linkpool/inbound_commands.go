package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"linkpool/internal/daemonrun"
	"linkpool/internal/store"
)

func newInboundsCommand(ctx *commandContext) *cobra.Command {
	inboundsCmd := &cobra.Command{
		Use:   "inbounds",
		Short: "Manage inbound listeners",
	}
	inboundsCmd.AddCommand(newInboundsListCommand(ctx))
	inboundsCmd.AddCommand(newInboundsAddCommand(ctx))
	inboundsCmd.AddCommand(newInboundsStatusCommand(ctx))
	inboundsCmd.AddCommand(newInboundsDeleteCommand(ctx))
	return inboundsCmd
}

func parseRole(value string) (store.InboundRole, error) {
	switch role := store.InboundRole(strings.ToLower(strings.TrimSpace(value))); role {
	case "", store.RolePrimary, store.RoleTest:
		return role, nil
	default:
		return "", fmt.Errorf("unknown inbound role %q", value)
	}
}

func newInboundsListCommand(ctx *commandContext) *cobra.Command {
	var (
		roleFlag string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inbounds ordered by port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseRole(roleFlag)
			if err != nil {
				return err
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				inbounds, err := svc.Pool.List(cmd.Context(), role)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, inbounds)
				}
				if len(inbounds) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No inbounds")
					return nil
				}
				rows := make([][]string, 0, len(inbounds))
				for _, in := range inbounds {
					link := ""
					if in.LinkID != 0 {
						link = strconv.FormatInt(in.LinkID, 10)
					}
					rows = append(rows, []string{
						strconv.Itoa(in.Port), in.Tag, string(in.Role), link, in.OutboundTag, in.Status, yesNo(in.Active),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]column{
						numberColumn("Port"), textColumn("Tag"), textColumn("Role"), numberColumn("Link"),
						textColumn("Outbound"), textColumn("Status"), textColumn("Active"),
					},
					rows,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&roleFlag, "role", "", "Filter by role (primary or test)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newInboundsAddCommand(ctx *commandContext) *cobra.Command {
	var (
		port     int
		tag      string
		outbound string
		status   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a permanent primary inbound",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %d", port)
			}
			if strings.TrimSpace(tag) == "" {
				return errors.New("--tag is required")
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				created, err := svc.Pool.Create(cmd.Context(), store.Inbound{
					Role:        store.RolePrimary,
					Active:      true,
					Port:        port,
					Tag:         strings.TrimSpace(tag),
					OutboundTag: strings.TrimSpace(outbound),
					Status:      status,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added primary inbound %d on port %d (tag %s)\n", created.ID, created.Port, created.Tag)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port")
	cmd.Flags().StringVar(&tag, "tag", "", "Inbound tag")
	cmd.Flags().StringVar(&outbound, "outbound", "", "Outbound tag to route to")
	cmd.Flags().StringVar(&status, "status", "active", "Status token")
	return cmd
}

func newInboundsStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <inbound-id> <token>",
		Short: "Set the status token of an inbound",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid inbound id %q", args[0])
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				if err := svc.Store.SetInboundStatus(cmd.Context(), id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Inbound %d status set to %s\n", id, args[1])
				return nil
			})
		},
	}
}

func newInboundsDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <inbound-id>",
		Short: "Delete an inbound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid inbound id %q", args[0])
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				if err := svc.Store.DeleteInbound(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted inbound %d\n", id)
				return nil
			})
		},
	}
}
