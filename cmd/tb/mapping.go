package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/statecache"
	"github.com/mschirtzinger/taskbridge/internal/ui"
)

func newMappingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mapping",
		GroupID: "mapping",
		Short:   "Manage the stored status mapping",
		Long: `Manage the stored status -> workflow state mapping of a team.

The mapping is generated by resolving every abstract status once, stored in
the local database with the match type and confidence of each entry, and
checked for drift when states are renamed or deleted in the tracker.`,
	}

	cmd.AddCommand(
		newMappingGenerateCmd(a),
		newMappingShowCmd(a),
		newMappingDriftCmd(a),
		newMappingValidateCmd(a),
		newMappingExportCmd(a),
	)
	return cmd
}

func newMappingGenerateCmd(a *app) *cobra.Command {
	var (
		flags       resolveFlags
		save        bool
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Resolve every status and optionally store the mapping",
		Long: `Resolve every abstract status against the team's workflow states.

A partial mapping is reported, not treated as an error. With --save the
resolved entries are stored; with --interactive each status can be
overridden by picking a state before saving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("--interactive requires a terminal")
			}
			teamKey, err := a.teamKey()
			if err != nil {
				return err
			}
			s, err := a.syncer(nil)
			if err != nil {
				return err
			}

			report, err := s.GenerateMapping(cmd.Context(), teamKey, flags.options(a), save && !interactive)
			if err != nil {
				return err
			}

			if interactive {
				snap, err := a.cache.Get(cmd.Context(), teamKey, false)
				if err != nil {
					return err
				}
				if err := chooseOverrides(report, snap); err != nil {
					return err
				}
				if save {
					if err := a.database.SaveMapping(cmd.Context(), teamKey, report.Entries); err != nil {
						return err
					}
				}
			}

			if a.jsonOutput {
				return a.printJSON(report)
			}
			printMapping(a.out, report.Entries)
			for _, status := range resolve.AllStatuses {
				if reason, ok := report.Failures[status]; ok {
					a.out.Error("%s: %s", status, reason)
				}
			}
			for _, w := range report.Warnings {
				a.out.Warn("%s", w)
			}
			a.out.Info("\n%d/%d statuses resolved for %s", report.Resolved, report.Total, teamKey)
			if save {
				a.out.Success("Mapping saved")
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&save, "save", false, "Store the generated mapping")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Review and override each status before saving")
	return cmd
}

// chooseOverrides asks for a state per status and records picks as manual
// entries.
func chooseOverrides(report *resolve.MappingReport, snap *statecache.Snapshot) error {
	active := snap.Active()
	choices := make(map[resolve.Status]*string, len(resolve.AllStatuses))
	fields := make([]huh.Field, 0, len(resolve.AllStatuses))

	for _, status := range resolve.AllStatuses {
		current := report.Entries[status].StateID
		choice := current
		choices[status] = &choice

		options := make([]huh.Option[string], 0, len(active)+1)
		options = append(options, huh.NewOption("(leave unmapped)", ""))
		for _, st := range active {
			options = append(options, huh.NewOption(st.Name, st.ID))
		}

		desc := "unresolved"
		if entry, ok := report.Entries[status]; ok {
			desc = fmt.Sprintf("resolved to %s by %s match", entry.StateName, entry.MatchType)
		}
		fields = append(fields, huh.NewSelect[string]().
			Title(string(status)).
			Description(desc).
			Options(options...).
			Value(choices[status]))
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return fmt.Errorf("mapping review cancelled: %w", err)
	}

	applyOverrides(report, snap, choices, time.Now().UTC())
	return nil
}

// applyOverrides folds chosen state ids into report. A choice equal to the
// generated entry keeps its provenance; an empty choice unmaps the status.
func applyOverrides(report *resolve.MappingReport, snap *statecache.Snapshot, choices map[resolve.Status]*string, now time.Time) {
	for status, choice := range choices {
		id := *choice
		entry, had := report.Entries[status]
		switch {
		case id == "" && had:
			delete(report.Entries, status)
			report.Failures[status] = "unmapped during review"
			report.Resolved--
		case id == "" || (had && entry.StateID == id):
			// unchanged
		default:
			st, ok := snap.ByID[id]
			if !ok {
				continue
			}
			report.Entries[status] = resolve.MappingEntry{
				StateID:    st.ID,
				StateName:  st.Name,
				MatchType:  resolve.MatchManual,
				Confidence: 1,
				ResolvedAt: now,
			}
			if !had {
				delete(report.Failures, status)
				report.Resolved++
			}
		}
	}
}

func newMappingShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			teamKey, err := a.teamKey()
			if err != nil {
				return err
			}
			database, err := a.openDB()
			if err != nil {
				return err
			}
			mapping, err := database.GetMapping(cmd.Context(), teamKey)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.printJSON(mapping)
			}
			if len(mapping) == 0 {
				a.out.Warn("No stored mapping for %s; run 'tb mapping generate --save'", teamKey)
				return nil
			}
			printMapping(a.out, mapping)
			if missing := mapping.Missing(); len(missing) > 0 {
				names := make([]string, len(missing))
				for i, s := range missing {
					names[i] = string(s)
				}
				a.out.Faint("\nunmapped: %s", strings.Join(names, ", "))
			}
			return nil
		},
	}
}

func printMapping(out *ui.Printer, mapping resolve.Mapping) {
	rows := make([][]string, 0, len(mapping))
	for _, status := range resolve.AllStatuses {
		entry, ok := mapping[status]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			string(status),
			entry.StateName,
			string(entry.MatchType),
			ui.Percent(entry.Confidence),
			entry.StateID,
		})
	}
	out.Table([]string{"STATUS", "STATE", "MATCH", "CONFIDENCE", "ID"}, rows)
}

func newMappingDriftCmd(a *app) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Check the stored mapping against the tracker",
		Long: `Compare the stored mapping with freshly fetched workflow states.

Renamed states are safe: the id survived, only the name changed. They are
reported, and stored with --apply. Broken entries (the state id is gone) and
deleted name-only entries need a new 'tb mapping generate --save' and make
this command exit non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			teamKey, err := a.teamKey()
			if err != nil {
				return err
			}
			s, err := a.syncer(nil)
			if err != nil {
				return err
			}
			report, err := s.CheckDrift(cmd.Context(), teamKey, apply)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				if err := a.printJSON(report); err != nil {
					return err
				}
			} else {
				printDrift(a.out, report, apply)
			}

			if report.HasBreakingChanges() {
				return errReported
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "Store renamed state names")
	return cmd
}

func printDrift(out *ui.Printer, report *resolve.DriftReport, applied bool) {
	if !report.HasChanges() {
		out.Success("No drift: %d mapped statuses match the tracker", len(report.Valid))
	}
	for _, r := range report.Renamed {
		verb := "renamed"
		if applied {
			verb = "renamed (updated)"
		}
		out.Warn("%s: %s %q -> %q", r.Status, verb, r.OldName, r.NewName)
	}
	for _, s := range report.Broken {
		out.Error("%s: mapped state no longer exists", s)
	}
	for _, s := range report.Deleted {
		out.Error("%s: mapped state name no longer exists", s)
	}
	if len(report.NewlyAvailable) > 0 {
		names := make([]string, len(report.NewlyAvailable))
		for i, st := range report.NewlyAvailable {
			names[i] = st.Name
		}
		out.Faint("unmapped states: %s", strings.Join(names, ", "))
	}
}

// mappingFile is the export format of a stored mapping.
type mappingFile struct {
	TeamKey    string          `yaml:"team_key" toml:"team_key"`
	ExportedAt time.Time       `yaml:"exported_at" toml:"exported_at"`
	Statuses   resolve.Mapping `yaml:"statuses" toml:"statuses"`
}

func newMappingExportCmd(a *app) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the stored mapping as YAML or TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			teamKey, err := a.teamKey()
			if err != nil {
				return err
			}
			database, err := a.openDB()
			if err != nil {
				return err
			}
			mapping, err := database.GetMapping(cmd.Context(), teamKey)
			if err != nil {
				return err
			}
			if len(mapping) == 0 {
				return fmt.Errorf("no stored mapping for %s", teamKey)
			}

			data, err := encodeMapping(mappingFile{
				TeamKey:    teamKey,
				ExportedAt: time.Now().UTC().Truncate(time.Second),
				Statuses:   mapping,
			}, format)
			if err != nil {
				return err
			}

			if output == "" {
				_, err := a.opts.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(a.path(output), data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			a.out.Success("Exported %d statuses to %s", len(mapping), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or toml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}

func encodeMapping(m mappingFile, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		data, err := yaml.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
		return data, nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(m); err != nil {
			return nil, fmt.Errorf("failed to encode TOML: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}

// decodeMappingFile reads status -> state id pairs from an exported mapping
// or from a flat status: id table. The format follows the file extension.
func decodeMappingFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var (
		exported struct {
			Statuses map[string]resolve.MappingEntry `yaml:"statuses" toml:"statuses"`
		}
		flat map[string]string
	)

	isTOML := strings.EqualFold(filepath.Ext(path), ".toml")
	if isTOML {
		_, err = toml.Decode(string(data), &exported)
	} else {
		err = yaml.Unmarshal(data, &exported)
	}
	if err == nil && len(exported.Statuses) > 0 {
		raw := make(map[string]string, len(exported.Statuses))
		for status, entry := range exported.Statuses {
			raw[status] = entry.StateID
		}
		return raw, nil
	}

	if isTOML {
		_, err = toml.Decode(string(data), &flat)
	} else {
		err = yaml.Unmarshal(data, &flat)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return flat, nil
}

func newMappingValidateCmd(a *app) *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a mapping file or the stored mapping",
		Long: `Validate a status mapping.

Keys must be abstract statuses and values well-formed state ids. Without a
file the stored mapping is validated and every id is also checked against
the tracker's current states; pass --live to check a file the same way.

A file is either an export from 'tb mapping export' or a flat table:
  pending: 5f6c...
  done: 9a1b...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw map[string]string
			if len(args) == 1 {
				m, err := decodeMappingFile(a.path(args[0]))
				if err != nil {
					return err
				}
				raw = m
			} else {
				teamKey, err := a.teamKey()
				if err != nil {
					return err
				}
				database, err := a.openDB()
				if err != nil {
					return err
				}
				stored, err := database.GetMapping(cmd.Context(), teamKey)
				if err != nil {
					return err
				}
				raw = make(map[string]string, len(stored))
				for status, entry := range stored {
					raw[string(status)] = entry.StateID
				}
				live = true
			}

			result := resolve.ValidateMapping(raw)
			for _, err := range result.Errors {
				a.out.Error("%v", err)
			}

			var missing []resolve.Status
			if live && len(result.Mapping) > 0 {
				teamKey, err := a.teamKey()
				if err != nil {
					return err
				}
				cache, err := a.states()
				if err != nil {
					return err
				}
				snap, err := cache.Get(cmd.Context(), teamKey, true)
				if err != nil {
					return err
				}
				missing = resolve.CheckExistence(result.Mapping, snap)
				for _, status := range missing {
					a.out.Error("%s: state %s does not exist in %s", status, result.Mapping[status].StateID, teamKey)
				}
			}

			if !result.Valid() || len(missing) > 0 {
				return errReported
			}

			statuses := make([]string, 0, len(result.Mapping))
			for status := range result.Mapping {
				statuses = append(statuses, string(status))
			}
			sort.Strings(statuses)
			a.out.Success("Mapping valid (%d statuses: %s)", len(statuses), strings.Join(statuses, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "Also check that every state id exists in the tracker")
	return cmd
}
