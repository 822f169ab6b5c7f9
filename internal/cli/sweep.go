package cli

import (
	"github.com/spf13/cobra"
)

func newSweepCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(st.cfg, st.fs, st.logger)
			if err != nil {
				return err
			}
			report := a.sweeper.Sweep(cmd.Context())
			printf(cmd.OutOrStdout(), "deleted %d, failed %d\n", report.Deleted, report.Failed)
			return report.Err()
		},
	}
}
