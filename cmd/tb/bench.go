package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskbridge/internal/loadtest"
)

func newBenchCmd(a *app) *cobra.Command {
	var (
		workers   int
		perWorker int
		keep      bool
	)

	cmd := &cobra.Command{
		Use:     "bench",
		GroupID: "maint",
		Short:   "Measure document mutations under lock contention",
		Long: `Run concurrent mutators against a generated task document.

Each worker uses its own mutator, so workers coordinate only through the
lock file, exactly like separate tb processes. Every worker updates its own
tasks; afterwards the document is reloaded and every update must be
present. Any lost update fails the run.

Examples:
  tb bench                              # 8 workers x 25 mutations
  tb bench --workers 32 --per-worker 10
  tb bench --json`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers <= 0 || perWorker <= 0 {
				return fmt.Errorf("--workers and --per-worker must be positive")
			}

			dir, err := os.MkdirTemp("", "tb-bench-")
			if err != nil {
				return fmt.Errorf("failed to create bench directory: %w", err)
			}
			if !keep {
				defer os.RemoveAll(dir)
			}

			path := filepath.Join(dir, "tasks.json")
			if err := loadtest.CreateTestDocument(path, workers*perWorker); err != nil {
				return err
			}

			if !a.jsonOutput {
				a.out.Info("Running %d workers x %d mutations against %s", workers, perWorker, path)
			}

			opts := loadtest.DefaultOptions()
			opts.Logger = a.logger("bench")
			stats, runErr := loadtest.RunContentionWithOptions(cmd.Context(), path, workers, perWorker, opts)
			if stats == nil {
				return runErr
			}

			if a.jsonOutput {
				if err := a.printJSON(map[string]any{
					"workers":        workers,
					"per_worker":     perWorker,
					"total_ops":      stats.TotalOps,
					"errors":         stats.Errors,
					"lost_updates":   stats.LostUpdates,
					"min_ns":         stats.Min.Nanoseconds(),
					"p50_ns":         stats.P50.Nanoseconds(),
					"p95_ns":         stats.P95.Nanoseconds(),
					"p99_ns":         stats.P99.Nanoseconds(),
					"max_ns":         stats.Max.Nanoseconds(),
					"throughput_ops": stats.Throughput(),
				}); err != nil {
					return err
				}
			} else {
				stats.PrintStats(a.opts.Stdout)
			}

			if runErr != nil {
				return runErr
			}
			if !a.jsonOutput {
				a.out.Success("No lost updates")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 8, "Number of concurrent mutators")
	cmd.Flags().IntVar(&perWorker, "per-worker", 25, "Mutations per worker")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the generated document")
	return cmd
}
