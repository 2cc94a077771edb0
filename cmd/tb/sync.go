package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskbridge/internal/orchestrator"
	"github.com/mschirtzinger/taskbridge/internal/store"
)

func newLinkCmd(a *app) *cobra.Command {
	var (
		data store.UpdateData
		tag  string
	)

	cmd := &cobra.Command{
		Use:     "link <task-id>",
		GroupID: "sync",
		Short:   "Record an external issue link on a task",
		Long: `Record an external issue link in a task's integrations record.

Only the integration record is changed. Every other field and the order of
keys in the document are preserved. Subtasks are addressed with dotted ids.

Examples:
  tb link 7 --external-id ENG-12 --url https://tracker/ENG-12
  tb link 7.2 --external-id ENG-13 --tag feature-x`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if data.ExternalID == "" {
				return fmt.Errorf("--external-id is required")
			}
			data.Integration = a.cfg.Tracker.Integration
			if tag == "" {
				tag = a.cfg.Store.Tag
			}

			task, err := a.mutator().Mutate(cmd.Context(), a.documentPath(), store.TaskID(args[0]),
				store.OpLinkExternal, data, store.MutateOptions{Tag: tag})
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.printJSON(task)
			}
			a.out.Success("Linked task %s to %s", args[0], data.ExternalID)
			return nil
		},
	}

	cmd.Flags().StringVar(&data.ExternalID, "external-id", "", "External issue id (required)")
	cmd.Flags().StringVar(&data.Identifier, "identifier", "", "Human-readable issue identifier")
	cmd.Flags().StringVar(&data.URL, "url", "", "Issue URL")
	cmd.Flags().StringVar(&data.StateID, "state-id", "", "Workflow state id")
	cmd.Flags().StringVar(&tag, "tag", "", "Document context of the task (default: store.tag)")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "sync [task-id...]",
		GroupID: "sync",
		Short:   "Sync tasks to the tracker",
		Long: `Sync tasks to the external tracker.

For each task the status is resolved to a workflow state, the linked issue
is created or updated, and the link is written back to the document.
Failures are recorded on the task and in the sync history.

Examples:
  tb sync 7 8.1       # Sync two tasks
  tb sync --all       # Sync every task, subtasks included`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass task ids or --all")
			}

			ctx, cancel := background(cmd.Context())
			defer cancel()

			s, err := a.syncer(nil)
			if err != nil {
				return err
			}

			var results []orchestrator.Result
			if all {
				summary, err := s.FullSync(ctx)
				if summary != nil {
					results = summary.Results
				}
				if err != nil && len(results) == 0 {
					return err
				}
			} else {
				for _, id := range args {
					results = append(results, s.SyncTask(ctx, store.TaskID(id)))
				}
			}

			return a.reportResults(results)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Sync every task in the document")
	return cmd
}

func (a *app) reportResults(results []orchestrator.Result) error {
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}

	if a.jsonOutput {
		if err := a.printJSON(results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			a.printResult(res)
		}
		if len(results) > 1 {
			a.out.Info("\n%d synced, %d failed", len(results)-failed, failed)
		}
	}

	if failed > 0 {
		return errReported
	}
	return nil
}

func (a *app) printResult(res orchestrator.Result) {
	if !res.Success {
		a.out.Error("%s: %s (%s) %s", res.TaskID, res.Error.Type, res.Error.Code, res.Error.Message)
		if res.Error.Retryable {
			a.out.Faint("  retryable: run tb sync %s again later", res.TaskID)
		}
		return
	}

	issue := res.Identifier
	if issue == "" {
		issue = res.ExternalID
	}
	a.out.Success("%s -> %s (%s, %s)", res.TaskID, issue, res.StateName, res.MatchType)
	for _, w := range res.Warnings {
		a.out.Warn("  %s", w)
	}
}

// background returns a context cancelled on SIGINT or SIGTERM.
func background(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
