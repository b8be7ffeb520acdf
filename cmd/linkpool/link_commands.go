package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"linkpool/internal/daemonrun"
	"linkpool/internal/store"
)

func newImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import raw links, one per line (reads stdin when no file or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer file.Close()
				in = file
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				stats, err := svc.Importer.Import(cmd.Context(), in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"Imported %d new links from %d lines (%d known, %d split lines with %d new parts, %d skipped)\n",
					stats.Added, stats.Lines, stats.Known, stats.Split, stats.Parts, stats.Skipped)
				return nil
			})
		},
	}
}

func newLinksCommand(ctx *commandContext) *cobra.Command {
	linksCmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect stored links",
	}
	linksCmd.AddCommand(newLinksListCommand(ctx))
	linksCmd.AddCommand(newLinksShowCommand(ctx))
	linksCmd.AddCommand(newLinksDeleteCommand(ctx))
	return linksCmd
}

func newLinksListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		batchID  string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List links",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.LinkFilter{BatchID: strings.TrimSpace(batchID), Limit: limit}
			for _, raw := range statuses {
				status, ok := store.ParseTestStatus(strings.ToLower(strings.TrimSpace(raw)))
				if !ok {
					return fmt.Errorf("unknown test status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				links, err := svc.Store.ListLinks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, links)
				}
				if len(links) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No links")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]column{
						numberColumn("ID"), textColumn("Protocol"), textColumn("Status"),
						textColumn("Dedup"), textColumn("Alive"), textColumn("URL").capped(60),
					},
					buildLinkRows(links),
				))
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by test status (idle, claimed, testing, done, failed)")
	cmd.Flags().StringVar(&batchID, "batch", "", "Filter by claim batch id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum number of links (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildLinkRows(links []*store.Link) [][]string {
	rows := make([][]string, 0, len(links))
	for _, link := range links {
		rows = append(rows, []string{
			strconv.FormatInt(link.ID, 10),
			link.Protocol,
			string(link.TestStatus),
			dedupState(link),
			yesNo(link.IsAlive),
			link.URL,
		})
	}
	return rows
}

func dedupState(link *store.Link) string {
	switch {
	case link.ProtocolUnsupported:
		return "unsupported"
	case link.NeedsReplace:
		return "split"
	case link.IsInvalid:
		return "invalid"
	case link.ConfigJSON == "":
		return "pending"
	case !link.DedupChecked:
		return "unchecked"
	case link.IsDuplicate:
		return fmt.Sprintf("dup of %d", link.DuplicateGroupID)
	default:
		return "primary"
	}
}

// truncate shortens value to limit runes, ending with an ellipsis.
func truncate(value string, limit int) string {
	runes := []rune(value)
	if limit <= 0 || len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid link id %q", arg)
	}
	return id, nil
}

func newLinksShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one link as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				link, err := svc.Store.GetLink(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd, link)
			})
		},
	}
}

func newLinksDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a link that no inbound or child link references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withServices(func(svc *daemonrun.Services) error {
				if err := svc.Store.DeleteLink(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted link %d\n", id)
				return nil
			})
		},
	}
}
