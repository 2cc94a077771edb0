package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/taskbridge/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "maint",
		Short:   "Manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd(a), newConfigShowCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write the default configuration to .taskbridge/config.yaml in the
working directory, or to ~/.taskbridge/config.yaml with --global.

An existing file is never overwritten. The API key is not written; export
TB_TRACKER_API_KEY instead.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectConfigPath(a.dir)
			if global {
				path = a.opts.GlobalConfig
				if path == "" {
					return fmt.Errorf("no home directory for the global config")
				}
			}

			cfg := config.DefaultConfig()
			if a.team != "" {
				cfg.Tracker.TeamKey = a.team
			}
			if err := config.Write(path, cfg); err != nil {
				return err
			}
			a.out.Success("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "Write the global config instead")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if cfg.Tracker.APIKey != "" {
				cfg.Tracker.APIKey = "(set)"
			}

			if a.jsonOutput {
				return a.printJSON(cfg)
			}
			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = a.opts.Stdout.Write(data)
			return err
		},
	}
}
