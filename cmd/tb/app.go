package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskbridge/internal/config"
	"github.com/mschirtzinger/taskbridge/internal/db"
	"github.com/mschirtzinger/taskbridge/internal/logging"
	"github.com/mschirtzinger/taskbridge/internal/orchestrator"
	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/statecache"
	"github.com/mschirtzinger/taskbridge/internal/store"
	"github.com/mschirtzinger/taskbridge/internal/tracker"
	"github.com/mschirtzinger/taskbridge/internal/ui"
)

// Command annotations read by app.setup.
const (
	// annotationNoConfig skips config loading.
	annotationNoConfig = "tb.noconfig"

	// annotationAlwaysLog sends component logs to stderr without --verbose.
	annotationAlwaysLog = "tb.alwayslog"
)

// app holds the flags and lazily built collaborators of one invocation.
type app struct {
	opts options

	dir        string
	team       string
	endpoint   string
	jsonOutput bool
	verbose    bool

	cfg  *config.Config
	logs *logging.Factory
	out  *ui.Printer

	database *db.DB
	client   *tracker.HTTPClient
	cache    *statecache.Cache
	resolver *resolve.Resolver
}

func (a *app) setup(cmd *cobra.Command) error {
	a.out = ui.New(a.opts.Stdout)

	if a.dir == "" {
		a.dir = "."
	}
	abs, err := filepath.Abs(a.dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	a.dir = abs

	if cmd.Annotations[annotationNoConfig] != "" {
		a.cfg = config.DefaultConfig()
	} else {
		cfg, err := config.LoadFiles(a.opts.GlobalConfig, config.ProjectConfigPath(a.dir))
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.team != "" {
		a.cfg.Tracker.TeamKey = a.team
	}
	if a.endpoint != "" {
		a.cfg.Tracker.Endpoint = a.endpoint
	}

	stderr := io.Discard
	if a.verbose || cmd.Annotations[annotationAlwaysLog] != "" {
		stderr = a.opts.Stderr
	}
	logOpts := logging.Options{Stderr: stderr}
	if a.cfg.Log.File != "" {
		logOpts.File = a.path(a.cfg.Log.File)
		logOpts.MaxSizeMB = a.cfg.Log.MaxSizeMB
		logOpts.MaxBackups = a.cfg.Log.MaxBackups
		logOpts.MaxAgeDays = a.cfg.Log.MaxAgeDays
		logOpts.Tee = a.verbose
	}
	a.logs = logging.NewFactory(logOpts)
	return nil
}

func (a *app) close() {
	if a.database != nil {
		_ = a.database.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// path resolves p against the working directory.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.dir, p)
}

func (a *app) logger(component string) *log.Logger {
	return a.logs.Logger(component)
}

func (a *app) documentPath() string {
	return a.path(a.cfg.Store.Document)
}

func (a *app) teamKey() (string, error) {
	if a.cfg.Tracker.TeamKey == "" {
		return "", fmt.Errorf("%w (set tracker.team_key or pass --team)", orchestrator.ErrNoTeam)
	}
	return a.cfg.Tracker.TeamKey, nil
}

func (a *app) openDB() (*db.DB, error) {
	if a.database != nil {
		return a.database, nil
	}
	database, err := db.Open(a.path(a.cfg.Store.Database))
	if err != nil {
		return nil, err
	}
	a.database = database
	return database, nil
}

func (a *app) trackerClient() (*tracker.HTTPClient, error) {
	if a.client != nil {
		return a.client, nil
	}
	if a.cfg.Tracker.APIKey == "" {
		return nil, fmt.Errorf("tracker.api_key is not set (export TB_TRACKER_API_KEY)")
	}
	a.client = tracker.NewHTTPClient(a.cfg.Tracker.Endpoint, a.cfg.Tracker.APIKey, a.cfg.Tracker.Timeout)
	return a.client, nil
}

func (a *app) states() (*statecache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	client, err := a.trackerClient()
	if err != nil {
		return nil, err
	}
	opts := a.cfg.CacheOptions()
	opts.Logger = a.logger("cache")
	opts.Retry.Logger = opts.Logger
	a.cache = statecache.New(client, opts)
	return a.cache, nil
}

func (a *app) statusResolver() (*resolve.Resolver, error) {
	if a.resolver != nil {
		return a.resolver, nil
	}
	cache, err := a.states()
	if err != nil {
		return nil, err
	}
	a.resolver = resolve.New(cache, resolve.Config{
		Candidates: a.cfg.Candidates(),
		Logger:     a.logger("resolve"),
	})
	return a.resolver, nil
}

func (a *app) mutator() *store.Mutator {
	return store.NewMutator(store.Config{
		Lock:        a.cfg.LockConfig(),
		Integration: a.cfg.Tracker.Integration,
		Logger:      a.logger("store"),
	})
}

// syncer wires the full sync path. notifier may be nil.
func (a *app) syncer(notifier orchestrator.Notifier) (orchestrator.Syncer, error) {
	teamKey, err := a.teamKey()
	if err != nil {
		return nil, err
	}
	resolver, err := a.statusResolver()
	if err != nil {
		return nil, err
	}
	database, err := a.openDB()
	if err != nil {
		return nil, err
	}

	cfg := orchestrator.DefaultConfig(a.documentPath(), teamKey)
	cfg.Tag = a.cfg.Store.Tag
	cfg.Integration = a.cfg.Tracker.Integration
	cfg.ResolveOptions = a.cfg.ResolveOptions()
	cfg.Retry = a.cfg.RetryConfig()
	cfg.Logger = a.logger("sync")

	return orchestrator.New(cfg, orchestrator.Deps{
		Resolver: resolver,
		States:   a.cache,
		Issues:   a.client,
		Mutator:  a.mutator(),
		DB:       database,
		Notifier: notifier,
	})
}

// printJSON writes v as indented JSON to stdout.
func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.opts.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
