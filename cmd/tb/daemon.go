package main

import (
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskbridge/internal/daemon"
	"github.com/mschirtzinger/taskbridge/internal/dashboard"
	"github.com/mschirtzinger/taskbridge/internal/orchestrator"
)

// watchOptions configure a foreground daemon run.
type watchOptions struct {
	syncOnStart bool
	dashboard   bool
	host        string
	port        int
}

func newDaemonCmd(a *app) *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "advanced",
		Short:   "Watch the task document and sync changes (foreground)",
		Long: `Watch the task document and sync tasks whose status, title or
description changed.

The daemon watches the document's directory, so atomic saves that replace
the file are seen. Changes are debounced (daemon.debounce), and changes to
integration records alone never trigger a sync. The stored mapping is
checked for drift every daemon.drift_check.

Press Ctrl+C to stop.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationAlwaysLog: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.syncOnStart, "sync-on-start", false, "Sync every task before watching")
	cmd.Flags().BoolVar(&opts.dashboard, "dashboard", false, "Also serve the WebSocket dashboard")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Dashboard port (default: dashboard.port)")
	return cmd
}

func newDashboardCmd(a *app) *cobra.Command {
	opts := watchOptions{dashboard: true}

	cmd := &cobra.Command{
		Use:     "dashboard",
		GroupID: "advanced",
		Short:   "Start the real-time WebSocket dashboard",
		Long: `Start the WebSocket dashboard together with the document watcher.

Clients receive the sync statistics on connect, then one message per event:
- sync_result: the outcome of syncing one task
- stats: running totals by outcome and error type
- drift_report: the result of a mapping drift check
- mapping_report: a generated mapping

Example usage:
  tb dashboard                   # Start on dashboard.port (default 8080)
  tb dashboard --port 9000       # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationAlwaysLog: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (default: dashboard.port)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Host to bind (default: dashboard.host)")
	cmd.Flags().BoolVar(&opts.syncOnStart, "sync-on-start", false, "Sync every task before watching")
	return cmd
}

// watch runs the daemon, optionally with the dashboard, until interrupted.
func (a *app) watch(cmd *cobra.Command, opts watchOptions) error {
	ctx, cancel := background(cmd.Context())
	defer cancel()

	var (
		notifier orchestrator.Notifier
		server   *dashboard.Server
	)
	if opts.dashboard {
		cfg := &dashboard.Config{
			Host:   a.cfg.Dashboard.Host,
			Port:   a.cfg.Dashboard.Port,
			Logger: a.logger("dashboard"),
		}
		if opts.host != "" {
			cfg.Host = opts.host
		}
		if opts.port != 0 {
			cfg.Port = opts.port
		}
		server = dashboard.NewServer(cfg)
		handler := dashboard.NewHandler(server, cfg.Logger)

		database, err := a.openDB()
		if err != nil {
			return err
		}
		if counts, err := database.SyncCounts(ctx); err == nil {
			handler.LoadStats(counts)
		}

		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		notifier = handler

		a.out.Info("Dashboard: http://%s", server.GetAddr())
		a.out.Info("WebSocket endpoint: ws://%s/ws", server.GetAddr())
	}

	s, err := a.syncer(notifier)
	if err != nil {
		return err
	}

	d, err := daemon.NewWithConfig(s, a.documentPath(), &daemon.Config{
		Tag:                a.cfg.Store.Tag,
		DebounceInterval:   a.cfg.Daemon.Debounce,
		DriftCheckInterval: a.cfg.Daemon.DriftCheck,
		SyncOnStart:        opts.syncOnStart,
		Logger:             a.logger("daemon"),
	})
	if err != nil {
		return err
	}

	a.out.Info("Watching %s (team %s)", a.documentPath(), a.cfg.Tracker.TeamKey)
	a.out.Faint("Press Ctrl+C to stop")
	return d.Start(ctx)
}
