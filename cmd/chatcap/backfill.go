package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatcap/internal/backfill"
)

func newBackfillCmd(a *app) *cobra.Command {
	var cfg backfill.Config
	var since, until string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import an archive of saved chat pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Dir == "" && cfg.SingleFile == "" {
				return fmt.Errorf("one of --dir or --file is required")
			}
			var err error
			if cfg.Since, err = parseDate(since); err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			if cfg.Until, err = parseDate(until); err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			ext, err := a.newExtractor()
			if err != nil {
				return err
			}

			sum, err := backfill.NewRunner(cfg, st, ext, a.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			if verbose {
				fmt.Fprint(cmd.ErrOrStderr(), backfill.FormatDailySummary(sum.Files))
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}

	cmd.Flags().StringVar(&cfg.Dir, "dir", "", "Directory of saved HTML pages")
	cmd.Flags().StringVar(&cfg.SingleFile, "file", "", "Import a single saved page")
	cmd.Flags().StringVar(&cfg.StatePath, "state", "", "Progress file (default ~/.chatcap/backfill-state.json)")
	cmd.Flags().StringVar(&since, "since", "", "Only pages modified on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "Only pages modified before this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false, "Extract without storing or saving progress")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 20, "Files between progress saves")
	cmd.Flags().IntVar(&cfg.MinMessages, "min-messages", 1, "Skip pages with fewer messages")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print a per-day summary to stderr")

	return cmd
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}
