package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chartbot/internal/app"
)

const shutdownTimeout = 45 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operator API",
		Long: `Run the periodic scheduler until SIGINT or SIGTERM.

Due schedules are selected on every scheduler.tick and run on a bounded worker
pool. When http.enabled is set, the operator API is served on http.addr.
Logging and the Telegram rate limit are reloaded when the config file changes.

Example:
  chartbot serve --config /etc/chartbot/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfgm, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := app.New(cfgm, app.Options{})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx := cmd.Context()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.SignalReason(sig)
	case <-ctx.Done():
		reason = app.StopAppStop
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}
