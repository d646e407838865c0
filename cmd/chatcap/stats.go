package main

import (
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print storage statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			resp := dispatch.New(nil, st, nil, nil, a.logger).GetStatistics(cmd.Context())
			return printJSON(cmd.OutOrStdout(), resp.Data)
		},
	}
}
