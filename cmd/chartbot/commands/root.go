// Package commands holds the chartbot command line.
package commands

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"chartbot/internal/app"
	"chartbot/internal/config"
	"chartbot/internal/storage"
	logx "chartbot/pkg/logx"
)

const defaultConfigPath = "./config.json"

// NewRootCmd builds the chartbot command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chartbot",
		Short: "Scheduled chart analysis with Telegram signal alerts",
		Long: `chartbot re-runs chart analysis for every enabled schedule on its period,
decides whether the new signal is worth sending, notifies Telegram, and keeps
a JobLog of every run.

Examples:
  chartbot serve                                # scheduler + operator API
  chartbot trigger                              # run every enabled schedule once now
  chartbot schedules add --target layout/BTC    # create a schedule
  chartbot schedules list                       # show schedules and next runs
  chartbot logs <schedule-id> --limit 10        # show recent runs

Configuration is read from --config (JSON or YAML).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config file (.json, .yaml)")

	root.AddCommand(
		newServeCmd(),
		newTriggerCmd(),
		newSchedulesCmd(),
		newLogsCmd(),
		newTokenCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.ConfigManager, error) {
	path, _ := cmd.Flags().GetString("config")
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	m := config.NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return m, nil
}

// openStore opens the configured store for one management command.
func openStore(cmd *cobra.Command) (storage.Store, error) {
	cfgm, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg := cfgm.Get()
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d == "" || d == "memory" {
		warnf(cmd, "storage.driver is memory; changes are lost when this command exits")
	}
	return app.OpenStore(cfg, logx.NewConsole("warn"))
}
