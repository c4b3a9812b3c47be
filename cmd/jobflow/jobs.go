package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
)

func (a *app) enqueueCmd() *cobra.Command {
	var (
		at   string
		cron string
	)
	cmd := &cobra.Command{
		Use:   "enqueue TYPE [ARGS...]",
		Short: "Add a job, due now, at a given time or on a cron schedule",
		Example: `  jobflow enqueue shell echo hello
  jobflow enqueue --at 2030-01-01T00:00:00Z http https://example.com/ping
  jobflow enqueue --cron "0 */5 * * * *" shell -- ls -l /tmp`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if at != "" && cron != "" {
				return fmt.Errorf("--at and --cron are mutually exclusive")
			}
			typeName := args[0]
			var jobArgs []string
			if len(args) > 1 {
				jobArgs = args[1:]
			}
			// Flag parsing stops at TYPE, so a "--" after it is still here.
			if len(jobArgs) > 0 && jobArgs[0] == "--" {
				jobArgs = jobArgs[1:]
				if len(jobArgs) == 0 {
					jobArgs = nil
				}
			}

			ctx := cmd.Context()
			repo, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			var j domain.JobRecord
			switch {
			case cron != "":
				j, err = repo.ScheduleCron(ctx, typeName, cron, jobArgs)
			case at != "":
				due, perr := time.Parse(time.RFC3339, at)
				if perr != nil {
					return fmt.Errorf("--at: %w", perr)
				}
				j, err = repo.Schedule(ctx, typeName, due, jobArgs)
			default:
				j, err = repo.EnqueueImmediate(ctx, typeName, jobArgs)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&at, "at", "", "due time (RFC 3339)")
	cmd.Flags().StringVar(&cron, "cron", "", "six-field cron expression (sec min hour dom month dow)")
	return cmd
}

// filterFlags are shared by list and delete.
type filterFlags struct {
	ids      []string
	types    []string
	statuses []string
	errors   string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.ids, "id", nil, "job id (repeatable)")
	cmd.Flags().StringSliceVar(&f.types, "type", nil, "job type (repeatable)")
	cmd.Flags().StringSliceVar(&f.statuses, "status", nil, "status: active, done, aborted (repeatable)")
	cmd.Flags().StringVar(&f.errors, "errors-gte", "", "minimum error count")
}

func (f *filterFlags) values() map[string][]string {
	v := map[string][]string{}
	if len(f.ids) > 0 {
		v["id"] = f.ids
	}
	if len(f.types) > 0 {
		v["type"] = f.types
	}
	if len(f.statuses) > 0 {
		v["status"] = f.statuses
	}
	if f.errors != "" {
		v["errors_gte"] = []string{f.errors}
	}
	return v
}

func (a *app) listCmd() *cobra.Command {
	var (
		ff     filterFlags
		order  string
		skip   int
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values := ff.values()
			values["order"] = []string{order}
			values["skip"] = []string{strconv.Itoa(skip)}
			values["limit"] = []string{strconv.Itoa(limit)}
			q, err := filter.ParseQuery(values)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			repo, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			var jobs []domain.JobRecord
			for j, err := range repo.Query(ctx, q) {
				if err != nil {
					return err
				}
				jobs = append(jobs, j)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tERRORS\tNEXT DUE\tLAST DONE\tCRON\tARGS")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					j.ID, j.TypeName, j.Status, j.Errors,
					formatTime(j.NextDue), formatTime(j.LastDone),
					j.CronExpression, strings.Join(j.Args, " "))
			}
			return tw.Flush()
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&order, "order", "", "sort fields, comma separated, '-' prefix for descending")
	cmd.Flags().IntVar(&skip, "skip", 0, "skip this many jobs")
	cmd.Flags().IntVar(&limit, "limit", 0, "return at most this many jobs (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "delete [ID...]",
		Short: "Delete jobs by id or filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			ff.ids = append(ff.ids, args...)
			where, err := filter.Parse(ff.values())
			if err != nil {
				return err
			}
			if where == nil {
				return fmt.Errorf("give at least one job id or filter flag")
			}

			ctx := cmd.Context()
			repo, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			n, err := repo.Delete(ctx, where)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s).\n", n)
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
