package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
)

func newCleanupCmd(a *app) *cobra.Command {
	var maxAgeDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored scans older than the given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			resp := dispatch.New(nil, st, nil, nil, a.logger).CleanupOldData(cmd.Context(), maxAgeDays)
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Delete records older than this many days")
	_ = cmd.MarkFlagRequired("max-age-days")

	return cmd
}
