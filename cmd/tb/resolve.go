package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/ui"
)

// resolveFlags are the tier switches shared by resolve and mapping generate.
type resolveFlags struct {
	noCache    bool
	noFuzzy    bool
	noFallback bool
}

func (f *resolveFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noCache, "refresh", false, "Fetch fresh workflow states instead of using the cache")
	cmd.Flags().BoolVar(&f.noFuzzy, "no-fuzzy", false, "Disable fuzzy matching")
	cmd.Flags().BoolVar(&f.noFallback, "no-fallback", false, "Disable semantic, type and last-resort matching")
}

func (f *resolveFlags) options(a *app) resolve.Options {
	opts := a.cfg.ResolveOptions()
	opts.UseCache = !f.noCache
	if f.noFuzzy {
		opts.AllowFuzzy = false
	}
	if f.noFallback {
		opts.AllowFallback = false
	}
	return opts
}

func newResolveCmd(a *app) *cobra.Command {
	var flags resolveFlags

	cmd := &cobra.Command{
		Use:     "resolve <status>",
		GroupID: "mapping",
		Short:   "Resolve an abstract status to a workflow state",
		Long: `Resolve an abstract status to one of the team's workflow states.

Tiers are tried in order: exact name, case-insensitive, fuzzy, semantic
vocabulary, state type, and finally the first active state. The first tier
that matches wins; its name is reported as the match type.

Statuses: ` + statusList(),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := requireStatus(args[0])
			if err != nil {
				return err
			}
			teamKey, err := a.teamKey()
			if err != nil {
				return err
			}
			resolver, err := a.statusResolver()
			if err != nil {
				return err
			}

			res := resolver.Resolve(cmd.Context(), teamKey, status, flags.options(a))

			if a.jsonOutput {
				if err := a.printJSON(resolveJSON(res)); err != nil {
					return err
				}
				if !res.Success {
					return errReported
				}
				return nil
			}

			if !res.Success {
				a.out.Error("%s", res.Error)
				if len(res.Tried) > 0 {
					a.out.Faint("  tried: %s", strings.Join(res.Tried, ", "))
				}
				if len(res.Available) > 0 {
					a.out.Faint("  available: %s", strings.Join(res.Available, ", "))
				}
				return errReported
			}

			a.out.Success("%s -> %s (%s)", status, res.StateName, res.StateID)
			a.out.KeyValue("match", res.MatchType, 10)
			a.out.KeyValue("confidence", ui.Percent(res.Confidence), 10)
			if res.Warning != "" {
				a.out.Warn("%s", res.Warning)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

type resolveOutput struct {
	Success    bool              `json:"success"`
	Status     resolve.Status    `json:"status"`
	StateID    string            `json:"state_id,omitempty"`
	StateName  string            `json:"state_name,omitempty"`
	MatchType  resolve.MatchType `json:"match_type,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Warning    string            `json:"warning,omitempty"`
	Error      string            `json:"error,omitempty"`
	Tried      []string          `json:"tried,omitempty"`
	Available  []string          `json:"available,omitempty"`
}

func resolveJSON(res resolve.Result) resolveOutput {
	return resolveOutput{
		Success:    res.Success,
		Status:     res.Status,
		StateID:    res.StateID,
		StateName:  res.StateName,
		MatchType:  res.MatchType,
		Confidence: res.Confidence,
		Warning:    res.Warning,
		Error:      res.Error,
		Tried:      res.Tried,
		Available:  res.Available,
	}
}

func newStatesCmd(a *app) *cobra.Command {
	var (
		find    string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:     "states",
		GroupID: "mapping",
		Short:   "List the team's workflow states",
		Long: `List the team's workflow states in board order.

With --find, fuzzy-match free text against the active states and print the
best match with its score.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			teamKey, err := a.teamKey()
			if err != nil {
				return err
			}
			cache, err := a.states()
			if err != nil {
				return err
			}
			snap, err := cache.Get(cmd.Context(), teamKey, refresh)
			if err != nil {
				return err
			}

			if find != "" {
				st, score, err := resolve.FindState(snap, find)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(map[string]any{"state": st, "score": score})
				}
				a.out.Success("%q -> %s (%s)", find, st.Name, st.ID)
				a.out.KeyValue("score", ui.Percent(score), 5)
				return nil
			}

			if a.jsonOutput {
				return a.printJSON(snap.States)
			}

			rows := make([][]string, 0, len(snap.States))
			for _, st := range snap.States {
				name := st.Name
				if st.Archived {
					name += " (archived)"
				}
				rows = append(rows, []string{name, string(st.Type), st.ID})
			}
			a.out.Table([]string{"NAME", "TYPE", "ID"}, rows)
			a.out.Faint("\n%d states for %s, fetched %s", len(snap.States), teamKey, snap.FetchedAt.Format("15:04:05"))
			return nil
		},
	}

	cmd.Flags().StringVar(&find, "find", "", "Fuzzy-match text against the active states")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the state cache")
	return cmd
}

func statusList() string {
	names := make([]string, len(resolve.AllStatuses))
	for i, s := range resolve.AllStatuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// requireStatus parses raw or fails with the list of valid statuses.
func requireStatus(raw string) (resolve.Status, error) {
	status, err := resolve.ParseStatus(raw)
	if err != nil {
		return "", fmt.Errorf("%w (valid: %s)", err, statusList())
	}
	return status, nil
}
