package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bangremind/internal/app"
	"bangremind/internal/config"
	"bangremind/internal/reminder"
	"bangremind/internal/storage"
	"bangremind/internal/sweep"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep cycle now and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rep, err := a.SweepOnce(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil {
				return werr
			}
			return err
		},
	}
}

// withStore opens the configured store for a maintenance command.
func withStore(opts *rootOptions, fn func(ctx context.Context, cfg *config.Config, st storage.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		st, err := app.OpenStore(cfg, cliLogger(cfg))
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		return fn(cmd.Context(), cfg, st)
	}
}

func newStuckCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "Inspect and release stuck or flagged reminders",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List flagged reminders and claims older than sweep.stuck_after",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(ctx context.Context, cfg *config.Config, st storage.Store) error {
			stuckAfter, err := config.ParseDurationOrDefault("sweep.stuck_after", cfg.Sweep.StuckAfter, 10*time.Minute)
			if err != nil {
				return err
			}
			stuck, err := st.ListStuck(ctx, time.Now().UTC().Add(-stuckAfter), limit)
			if err != nil {
				return err
			}
			flagged, err := st.ListFlagged(ctx, limit)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), append(stuck, flagged...))
		}),
	}
	list.Flags().IntVar(&limit, "limit", 100, "max rows per category")

	release := &cobra.Command{
		Use:   "release ID...",
		Short: "Clear the claim and flag on reminders so the next sweep picks them up",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withStore(opts, func(ctx context.Context, _ *config.Config, st storage.Store) error {
				var errs []error
				for _, id := range ids {
					if err := sweep.Release(ctx, st, id, time.Now()); err != nil {
						errs = append(errs, fmt.Errorf("release %d: %w", id, err))
						continue
					}
					fmt.Fprintf(c.OutOrStdout(), "released %d\n", id)
				}
				return errors.Join(errs...)
			})(c, args)
		},
	}

	cmd.AddCommand(list, release)
	return cmd
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var (
		owner int64
		title string
		url   string
		every string
		due   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a reminder",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withStore(opts, func(ctx context.Context, _ *config.Config, st storage.Store) error {
		r := reminder.Reminder{OwnerID: owner, Title: strings.TrimSpace(title), URL: strings.TrimSpace(url)}
		if every != "" {
			f, err := reminder.ParseFrequency(every)
			if err != nil {
				return err
			}
			r.Schedule = reminder.RecurringSchedule(f)
		}
		at := time.Now().UTC()
		if due != "" {
			t, err := time.Parse(time.RFC3339, due)
			if err != nil {
				return fmt.Errorf("--due: %w", err)
			}
			at = t.UTC()
		}
		r.NextDue = &at
		if err := reminder.Validate(r); err != nil {
			return err
		}
		rec, err := st.Create(ctx, reminder.Encode(r))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %d (%s, next due %s)\n", rec.ID, r.Schedule, at.Format(time.RFC3339))
		return nil
	})
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner user id")
	cmd.Flags().StringVar(&title, "title", "", "reminder title")
	cmd.Flags().StringVar(&url, "url", "", "optional link")
	cmd.Flags().StringVar(&every, "every", "", "daily, weekly, biweekly or monthly; empty for a one-off reminder")
	cmd.Flags().StringVar(&due, "due", "", "first due time, RFC 3339 (default now)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		owner int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's reminders",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withStore(opts, func(ctx context.Context, _ *config.Config, st storage.Store) error {
		recs, err := st.ListByOwner(ctx, owner, limit)
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), recs)
	})
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner user id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newFiringsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "firings ID",
		Short: "Show the firing ledger of a reminder",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		return withStore(opts, func(ctx context.Context, _ *config.Config, st storage.Store) error {
			fs, err := st.ListFirings(ctx, ids[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OCCURRENCE\tFIRED AT\tINSTANCE\tOK\tTOOK\tERROR")
			for _, f := range fs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%dms\t%s\n",
					f.Occurrence.UTC().Format(time.RFC3339), f.FiredAt.UTC().Format(time.RFC3339),
					f.Instance, f.DispatchOK, f.TookMS, f.DispatchErr)
			}
			return tw.Flush()
		})(c, args)
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(_ context.Context, cfg *config.Config, _ storage.Store) error {
				driver := cfg.Storage.Driver
				if driver == "" {
					driver = "sqlite"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", driver)
				return nil
			})(cmd, args)
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid reminder id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeRecords(w io.Writer, recs []reminder.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tTITLE\tSCHEDULE\tNEXT DUE\tDONE\tFIRED\tCLAIMED BY\tFLAG")
	for _, r := range recs {
		sched := r.ReminderType
		if r.Frequency != nil {
			sched += "/" + *r.Frequency
		}
		next := "-"
		if r.NextDue != nil {
			next = r.NextDue.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			r.ID, r.UserID, r.Title, sched, next, r.IsCompleted, r.FireCount, dash(r.ClaimedBy), dash(r.FlagReason))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
