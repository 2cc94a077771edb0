package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskbridge/internal/db"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		since  string
		taskID string
		failed bool
		limit  int
		stats  bool
	)

	cmd := &cobra.Command{
		Use:     "history",
		GroupID: "sync",
		Short:   "Show the sync history",
		Long: `Show recorded sync attempts, newest first.

--since accepts a duration ("2h"), an RFC 3339 timestamp, or natural language
such as "2 hours ago", "yesterday" or "last friday".

Examples:
  tb history --since "2 hours ago"
  tb history --task 7 --failed
  tb history --stats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openDB()
			if err != nil {
				return err
			}

			if stats {
				counts, err := database.SyncCounts(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(counts)
				}
				printSyncStats(a, counts)
				return nil
			}

			filter := db.SyncLogFilter{TaskID: taskID, Limit: limit}
			if failed {
				filter.Outcome = db.OutcomeFailure
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				filter.Since = t
			}

			records, err := database.ListSyncLog(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(records)
			}
			if len(records) == 0 {
				a.out.Faint("No sync history")
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				detail := rec.ExternalID
				if rec.Outcome == db.OutcomeFailure {
					detail = rec.ErrorType
				}
				rows = append(rows, []string{
					rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					rec.TaskID,
					rec.Operation,
					rec.Outcome,
					detail,
				})
			}
			a.out.Table([]string{"TIME", "TASK", "OPERATION", "OUTCOME", "DETAIL"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only show records after this time")
	cmd.Flags().StringVar(&taskID, "task", "", "Only show records for this task")
	cmd.Flags().BoolVar(&failed, "failed", false, "Only show failures")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum records to show (0 = all)")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show totals per outcome and error type")
	return cmd
}

// parseSince accepts a duration, an RFC 3339 timestamp or a natural
// language expression relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func printSyncStats(a *app, counts *db.SyncStats) {
	a.out.KeyValue("total", counts.Total, 9)
	a.out.KeyValue("succeeded", counts.Succeeded, 9)
	a.out.KeyValue("failed", counts.Failed, 9)

	types := make([]string, 0, len(counts.ByErrorType))
	for t := range counts.ByErrorType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		a.out.Faint("  %s: %d", t, counts.ByErrorType[t])
	}
}
