package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"chartbot/internal/automation"
)

func newSchedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"sched"},
		Short:   "Manage automation schedules",
		Long: `Create, list, enable, disable and delete automation schedules in the
configured store.

Commands:
  chartbot schedules list [--user alice]
  chartbot schedules add --target layout/BTC --frequency 4h --telegram
  chartbot schedules enable <id>
  chartbot schedules disable <id>
  chartbot schedules delete <id>

Frequencies: ` + strings.Join(automation.FrequencyNames(), ", "),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newSchedulesListCmd(),
		newSchedulesAddCmd(),
		newSchedulesToggleCmd("enable", true),
		newSchedulesToggleCmd("disable", false),
		newSchedulesDeleteCmd(),
	)
	return cmd
}

func newSchedulesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List schedules with their last and next run",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListSchedules(cmd.Context(), strings.TrimSpace(user))
			if err != nil {
				return err
			}
			if len(list) == 0 {
				infof(cmd, "no schedules found")
				return nil
			}
			return renderSchedules(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().String("user", "", "only schedules owned by this user id")
	return cmd
}

func newSchedulesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a schedule",
		Long: `Create a schedule. It runs on the first scheduler tick after creation.

Examples:
  chartbot schedules add --target layout/BTCUSDT --name "BTC 4h" --frequency 4h --telegram
  chartbot schedules add --target layout/ETH --only-on-change --min-confidence 70 --send-on-hold=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := scheduleFromFlags(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.CreateSchedule(cmd.Context(), s); err != nil {
				return err
			}
			successf(cmd, "created schedule %s", s.ID)
			return renderSchedules(cmd.OutOrStdout(), []automation.Schedule{*s})
		},
	}
	f := cmd.Flags()
	f.String("target", "", "chart or layout reference to analyze (required)")
	f.String("name", "", "display name")
	f.String("frequency", string(automation.Every1h), "run period: "+strings.Join(automation.FrequencyNames(), "|"))
	f.String("user", "", "owner user id")
	f.String("chat", "", "telegram chat id (chatID or chatID:threadID); empty uses telegram.default_chat_id")
	f.Bool("telegram", false, "send qualifying signals to telegram")
	f.Bool("only-on-change", false, "only notify when the action differs from the previous signal")
	f.Int("min-confidence", 0, "minimum confidence (0-100) to notify")
	f.Bool("send-on-hold", true, "notify on HOLD signals")
	f.Bool("disabled", false, "create the schedule disabled")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func scheduleFromFlags(cmd *cobra.Command) (*automation.Schedule, error) {
	f := cmd.Flags()
	target, _ := f.GetString("target")
	name, _ := f.GetString("name")
	freq, _ := f.GetString("frequency")
	user, _ := f.GetString("user")
	chat, _ := f.GetString("chat")
	telegram, _ := f.GetBool("telegram")
	onlyOnChange, _ := f.GetBool("only-on-change")
	minConf, _ := f.GetInt("min-confidence")
	onHold, _ := f.GetBool("send-on-hold")
	disabled, _ := f.GetBool("disabled")

	frequency, err := automation.ParseFrequency(freq)
	if err != nil {
		return nil, err
	}
	s := &automation.Schedule{
		UserID:             strings.TrimSpace(user),
		Name:               strings.TrimSpace(name),
		TargetRef:          strings.TrimSpace(target),
		Enabled:            !disabled,
		Frequency:          frequency,
		SendToTelegram:     telegram,
		OnlyOnSignalChange: onlyOnChange,
		MinConfidence:      minConf,
		SendOnHold:         onHold,
	}
	if chat = strings.TrimSpace(chat); chat != "" {
		s.TelegramChatID = &chat
	}
	return s, s.Validate()
}

func newSchedulesToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <schedule-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := setEnabled(cmd.Context(), store, args[0], enabled); err != nil {
				return err
			}
			successf(cmd, "schedule %s %sd", args[0], verb)
			return nil
		},
	}
}

type scheduleEditor interface {
	GetSchedule(ctx context.Context, id string) (*automation.Schedule, error)
	UpdateSchedule(ctx context.Context, s *automation.Schedule) error
}

func setEnabled(ctx context.Context, store scheduleEditor, id string, enabled bool) error {
	s, err := store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if s.Enabled == enabled {
		return nil
	}
	s.Enabled = enabled
	return store.UpdateSchedule(ctx, s)
}

func newSchedulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <schedule-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a schedule and its run history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			successf(cmd, "deleted schedule %s", args[0])
			return nil
		},
	}
}
