package commands

import (
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <schedule-id>",
		Short: "Show a schedule's run history, newest first",
		Long: `Show the JobLog history of one schedule: status, signal, filter outcome and
notification result of each run.

Examples:
  chartbot logs 0b6f...            # last 20 runs
  chartbot logs 0b6f... --limit 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if _, err := store.GetSchedule(ctx, args[0]); err != nil {
				return err
			}
			logs, err := store.ListJobLogs(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				infof(cmd, "no runs recorded yet")
				return nil
			}
			return renderJobLogs(cmd.OutOrStdout(), logs)
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to show")
	return cmd
}
