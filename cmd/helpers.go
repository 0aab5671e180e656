package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ziadkadry99/bundlevault/internal/archive"
	"github.com/ziadkadry99/bundlevault/internal/audit"
	"github.com/ziadkadry99/bundlevault/internal/config"
	"github.com/ziadkadry99/bundlevault/internal/db"
	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/loader"
	"github.com/ziadkadry99/bundlevault/internal/locator"
	"github.com/ziadkadry99/bundlevault/internal/progress"
	"github.com/ziadkadry99/bundlevault/internal/rewrite"
	"github.com/ziadkadry99/bundlevault/internal/usage"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `bundlevault init` to create a config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// app is the dependency graph shared by the commands.
type app struct {
	cfg      *config.Config
	db       *db.DB
	store    *archive.Store
	registry *handles.Registry
	tracker  *usage.Tracker
	trail    *audit.Store
	loader   *loader.Loader
}

// newApp opens the data directory and wires every component. A nil
// reporter disables extraction progress output.
func newApp(cfg *config.Config, reporter progress.Reporter) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	database, err := db.Open(filepath.Join(cfg.DataDir, "bundlevault.db"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	loc := locator.New(cfg.EntryExtension, cfg.Ignore, logger)
	opts := archive.StoreOptions{
		Ignore: cfg.Ignore,
		Limits: archive.Limits{
			MaxFiles:    cfg.Limits.MaxFiles,
			MaxSize:     cfg.Limits.MaxSize,
			MaxFileSize: cfg.Limits.MaxFileSize,
		},
	}
	if reporter != nil {
		opts.Reporter = reporter
	}
	store, err := archive.NewStore(cfg.DataDir, database, loc, opts, logger)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	engineOpts := rewrite.DefaultOptions()
	engineOpts.SpecialDirs = cfg.SpecialDirs
	engineOpts.PackagedExtensions = cfg.PackagedExtensions
	engineOpts.OptionsGlobal = cfg.OptionsGlobal
	engineOpts.Concurrency = cfg.MaxConcurrency

	registry := handles.NewRegistry(cfg.HandleBase())
	tracker := usage.NewTracker(database, cfg.UsageCapacity, logger)
	trail := audit.NewStore(database)

	l := loader.New(loader.Options{
		ArchiveURL:        cfg.ArchiveURL,
		SupportedVersions: cfg.SupportedVersions,
		Concurrency:       cfg.MaxConcurrency,
	}, loader.Deps{
		Fetcher:  archive.NewFetcher(cfg.FetchTimeout, cfg.LFSRewrite, cfg.Limits.MaxArchiveSize, logger),
		Mount:    archive.NewMountPoint(logger),
		Store:    store,
		Locator:  loc,
		Engine:   rewrite.New(engineOpts, logger),
		Registry: registry,
		Tracker:  tracker,
		Audit:    trail,
		Logger:   logger,
	})

	return &app{
		cfg:      cfg,
		db:       database,
		store:    store,
		registry: registry,
		tracker:  tracker,
		trail:    trail,
		loader:   l,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
