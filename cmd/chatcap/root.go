package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatcap/internal/config"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// app carries what every subcommand needs.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:          "chatcap",
		Short:        "Capture chat conversations from rendered pages",
		Long:         "chatcap extracts messages from chat pages with one-shot deep scans and live mutation capture, deduplicates them and stores them locally or in Postgres.",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			a.cfg = config.Load()
			a.logger = setupLogging(a.cfg.LogLevel)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(a),
		newScanCmd(a),
		newWatchCmd(a),
		newCleanupCmd(a),
		newStatsCmd(a),
		newBackfillCmd(a),
	)
	return rootCmd
}

// openStore opens the configured primary backend with the flat-list fallback.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	fallback, err := store.OpenFlatList(a.cfg.FallbackPath, a.cfg.FallbackCap)
	if err != nil {
		a.logger.Warn("fallback file unreadable, using memory only", "path", a.cfg.FallbackPath, "error", err)
		fallback, _ = store.OpenFlatList("", a.cfg.FallbackCap)
	}

	open := func(ctx context.Context) (store.Backend, error) {
		if a.cfg.UsesPostgres() {
			return store.OpenPostgres(ctx, a.cfg.DatabaseURL)
		}
		return store.OpenSQLite(ctx, a.cfg.DatabaseURL)
	}
	opts := store.Options{
		DedupWindow:    a.cfg.DedupWindow,
		DedupThreshold: a.cfg.DedupThreshold,
		MaxRecords:     a.cfg.MaxRecords,
		MaxBytes:       a.cfg.MaxBytes,
		EvictRatio:     a.cfg.EvictRatio,
		OpenTimeout:    a.cfg.DBOpenTimeout,
		ExportCap:      a.cfg.ExportCap,
	}
	st, err := store.Open(ctx, opts, open, fallback, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.logger.Info("store ready", "backend", st.BackendName(), "fallback", st.IsUsingFallback())
	return st, nil
}

func (a *app) newExtractor() (*extractor.Extractor, error) {
	platforms, err := extractor.LoadPlatforms(a.cfg.PlatformsFile)
	if err != nil {
		return nil, err
	}
	opts := extractor.DefaultOptions()
	opts.MaxCandidates = a.cfg.MaxCandidates
	return extractor.New(platforms, opts, a.logger), nil
}
