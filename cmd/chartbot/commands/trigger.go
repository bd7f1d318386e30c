package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"chartbot/internal/app"
	"chartbot/internal/automation"
)

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run every enabled schedule once and wait for the results",
		Long: `Submit every enabled schedule immediately, ignoring next_run_at, and wait
until all runs finish. Schedules already running elsewhere are skipped by their
run lease. Each run is logged and advances the schedule as a periodic run would.

Example:
  chartbot trigger`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrigger(cmd)
		},
	}
}

func runTrigger(cmd *cobra.Command) error {
	cfgm, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := app.New(cfgm, app.Options{OneShot: true})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := func() error {
		if err := a.Start(ctx); err != nil {
			return err
		}
		started := time.Now()
		rep, err := a.TriggerAll(ctx)
		if err != nil {
			return errors.Wrap(err, "trigger")
		}
		if err := renderReport(cmd.OutOrStdout(), rep, time.Since(started)); err != nil {
			return err
		}
		return renderLatestRuns(ctx, cmd, a)
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, app.StopAppStop); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// renderLatestRuns prints the newest JobLog of every enabled schedule.
func renderLatestRuns(ctx context.Context, cmd *cobra.Command, a *app.App) error {
	scheds, err := a.Store().ListEnabled(ctx)
	if err != nil {
		return err
	}
	rows := make([]scheduleRun, 0, len(scheds))
	for _, s := range scheds {
		logs, err := a.Store().ListJobLogs(ctx, s.ID, 1)
		if err != nil {
			return err
		}
		r := scheduleRun{schedule: s}
		if len(logs) > 0 {
			r.last = &logs[0]
		}
		rows = append(rows, r)
	}
	return renderRuns(cmd.OutOrStdout(), rows)
}

type scheduleRun struct {
	schedule automation.Schedule
	last     *automation.JobLog
}
