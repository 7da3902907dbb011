package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/history"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

func buildHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
		status string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded image runs",
		Long:  "List the image runs recorded in the history database, newest first, or show one run with its failovers.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeIndentedJSON(out, run)
				}
				printRun(out, run)
				return nil
			}

			filter := types.JobStatus(status)
			switch filter {
			case "", types.JobCompleted, types.JobFailed, types.JobCancelled:
			default:
				return fmt.Errorf("invalid status %q: want completed, failed or cancelled", status)
			}

			runs, err := store.List(cmd.Context(), filter, offset, limit)
			if err != nil {
				return err
			}
			total, err := store.Count(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndentedJSON(out, struct {
					Total int            `json:"total"`
					Runs  []*history.Run `json:"runs"`
				}{Total: total, Runs: runs})
			}
			printRuns(out, runs, total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (completed, failed, cancelled)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().String("history", "fractalpool.db", "SQLite run history file")

	cmd.AddCommand(buildHistoryPruneCommand())
	return cmd
}

func buildHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old image runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.DeleteBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs started before this age")
	cmd.Flags().String("history", "fractalpool.db", "SQLite run history file")
	return cmd
}

// openHistory opens the history database named by the configuration of cmd.
func openHistory(cmd *cobra.Command) (*history.SQLiteStore, error) {
	cfg, err := loadConfig(cmd, map[string]string{"history": "history.path"})
	if err != nil {
		return nil, err
	}
	if cfg.History.Path == "" {
		return nil, fmt.Errorf("no history database configured")
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.History.Path, logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
}

func printRuns(w io.Writer, runs []*history.Run, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tSTARTED\tSTATUS\tALGORITHM\tSIZE\tUNITS\tFAILOVERS\tELAPSED\tID")
	for _, run := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%dx%d\t%d/%d\t%d\t%s\t%s\n",
			run.Image,
			run.StartedAt.Local().Format(time.DateTime),
			run.Status,
			run.Algorithm,
			run.Width, run.Height,
			run.Counts.Completed, run.Counts.Total,
			len(run.Failovers),
			run.Elapsed.Round(time.Millisecond),
			run.ID)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d of %d runs\n", len(runs), total)
}

func printRun(w io.Writer, run *history.Run) {
	fmt.Fprintf(w, "Run:        %s\n", run.ID)
	fmt.Fprintf(w, "Image:      %d\n", run.Image)
	fmt.Fprintf(w, "Parameters: %s (%s)\n", run.ParameterFile, run.Algorithm)
	fmt.Fprintf(w, "Size:       %dx%d\n", run.Width, run.Height)
	fmt.Fprintf(w, "Sessions:   %d\n", run.Sessions)
	fmt.Fprintf(w, "Status:     %s\n", run.Status)
	fmt.Fprintf(w, "Units:      %d completed, %d failed of %d\n", run.Counts.Completed, run.Counts.Failed, run.Counts.Total)
	fmt.Fprintf(w, "Started:    %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Elapsed:    %s\n", run.Elapsed.Round(time.Millisecond))
	if run.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", run.Error)
	}
	if len(run.Failovers) == 0 {
		return
	}
	fmt.Fprintln(w, "\nFailovers:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tFROM\tTO\tATTEMPT\tREASON")
	for _, f := range run.Failovers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", f.Unit, f.From, f.To, f.Attempt, f.Reason)
	}
	tw.Flush()
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
