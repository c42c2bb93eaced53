package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/luawatch/internal/export"
	"github.com/kiranshivaraju/luawatch/internal/store"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

const listTimeLayout = "2006-01-02 15:04:05"

type filterFlags struct {
	serverID string
	level    string
	status   string
	search   string
	since    time.Duration
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.serverID, "server", "", "only records for this server ID")
	cmd.Flags().StringVar(&f.level, "level", "", "only records with this level (error, warning, info)")
	cmd.Flags().StringVar(&f.status, "status", "", "only records with this status (open, resolved, closed)")
	cmd.Flags().StringVar(&f.search, "search", "", "match text in message, addon or stack trace")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only records seen within this duration, e.g. 24h")
}

func (f *filterFlags) filter(now time.Time) (store.RecordFilter, error) {
	if f.level != "" && !models.ValidLevel(f.level) {
		return store.RecordFilter{}, errors.Errorf("unknown level %q", f.level)
	}
	if f.status != "" && !models.ValidStatus(f.status) {
		return store.RecordFilter{}, errors.Errorf("unknown status %q", f.status)
	}
	rf := store.RecordFilter{
		ServerID: f.serverID,
		Level:    f.level,
		Status:   f.status,
		Search:   f.search,
	}
	if f.since > 0 {
		rf.Since = now.Add(-f.since)
	}
	return rf, nil
}

func (c *cli) recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"record", "errors"},
		Short:   "Inspect and manage recorded errors",
	}

	cmd.AddCommand(c.recordsListCmd())
	cmd.AddCommand(c.recordsShowCmd())
	cmd.AddCommand(c.recordsTransitionCmd("resolve", "Mark a record as resolved"))
	cmd.AddCommand(c.recordsCloseCmd())
	cmd.AddCommand(c.recordsTransitionCmd("reopen", "Reopen a resolved or closed record"))
	cmd.AddCommand(c.recordsClearCmd())
	cmd.AddCommand(c.recordsExportCmd())
	return cmd
}

// withStore opens the configured store for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(store.Store) error) error {
	s, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return withStack(fn(s))
}

func (c *cli) recordsListCmd() *cobra.Command {
	var (
		filters filterFlags
		page    int
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded errors, most recently seen first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rf, err := filters.filter(time.Now())
			if err != nil {
				return err
			}
			rf.Page, rf.Limit = page, limit

			return c.withStore(cmd.Context(), func(s store.Store) error {
				records, total, err := s.List(cmd.Context(), rf)
				if err != nil {
					return err
				}
				printRecordTable(cmd.OutOrStdout(), records)
				p, l := rf.PageLimit()
				fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d records (page %d, %d per page)\n", len(records), total, p, l)
				return nil
			})
		},
	}
	filters.register(cmd)
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 50, "records per page")
	return cmd
}

func printRecordTable(w io.Writer, records []*models.ErrorRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No errors recorded.")
		return
	}
	t := table.New("ID", "Server", "Level", "Category", "Addon", "Count", "Last Seen", "Status", "Message").WithWriter(w)
	for _, r := range records {
		t.AddRow(
			r.ID.String()[:8],
			r.ServerID,
			r.Level,
			r.Category,
			r.Origin,
			r.OccurrenceCount,
			r.LastSeen.Local().Format(listTimeLayout),
			r.Status,
			ellipsize(r.Message, messageColumnWidth),
		)
	}
	t.Print()
}

func (c *cli) recordsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				rec, err := s.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), export.Text([]*models.ErrorRecord{rec}, time.Now()))
				return nil
			})
		},
	}
}

func (c *cli) recordsTransitionCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				apply := s.MarkResolved
				if name == "reopen" {
					apply = s.Reopen
				}
				if err := apply(cmd.Context(), id); err != nil {
					return err
				}
				return printStatus(cmd.Context(), cmd.OutOrStdout(), s, id)
			})
		},
	}
}

func (c *cli) recordsCloseCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a record, optionally with resolution notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				if err := s.MarkClosed(cmd.Context(), id, notes); err != nil {
					return err
				}
				return printStatus(cmd.Context(), cmd.OutOrStdout(), s, id)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, s store.Store, id uuid.UUID) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s is now %s\n", rec.ID, rec.Status)
	return nil
}

func (c *cli) recordsClearCmd() *cobra.Command {
	var (
		serverID string
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete recorded errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to delete records without --yes")
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				n, err := s.ClearAll(cmd.Context(), serverID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "only delete records for this server ID")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func (c *cli) recordsExportCmd() *cobra.Command {
	var (
		filters filterFlags
		format  string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded errors as JSON, CSV or text",
		Long: `Export every record matching the filters.

Examples:
  luawatch records export --format csv --output errors.csv
  luawatch records export --status open --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return errors.WithStack(err)
			}
			now := time.Now()
			rf, err := filters.filter(now)
			if err != nil {
				return err
			}

			return c.withStore(cmd.Context(), func(s store.Store) error {
				records, err := store.CollectAll(cmd.Context(), s, rf)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if output != "" {
					file, err := os.Create(output)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				if err := export.Write(w, f, records, now); err != nil {
					return err
				}
				if output != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d records to %s\n", len(records), output)
				}
				return nil
			})
		},
	}
	filters.register(cmd)
	cmd.Flags().StringVar(&format, "format", "json", "output format: json, csv or text")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func parseRecordID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Errorf("invalid record ID %q", s)
	}
	return id, nil
}
