package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chartbot/internal/analysis"
	"chartbot/internal/automation"
	"chartbot/internal/config"
	"chartbot/internal/notifier"
	"chartbot/internal/storage"
	"chartbot/internal/task/engine"
	logx "chartbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

// runtimeSettings are the pieces of the run pipeline derived from one config.
type runtimeSettings struct {
	engine    engine.Config
	executor  automation.ExecutorConfig
	scheduler automation.SchedulerConfig
}

func mapRuntime(cfg *config.Config) (runtimeSettings, error) {
	s, err := cfg.Scheduler.Resolve()
	if err != nil {
		return runtimeSettings{}, err
	}
	return runtimeSettings{
		engine: engine.Config{
			Workers:        s.Workers,
			QueueSize:      s.QueueSize,
			DefaultTimeout: s.RunTimeout,
			HistorySize:    s.HistorySize,
		},
		executor: automation.ExecutorConfig{
			AnalysisTimeout: s.AnalysisTimeout,
			NotifyTimeout:   s.NotifyTimeout,
			LeaseTTL:        s.LeaseTTL,
			DefaultChatID:   strings.TrimSpace(cfg.Telegram.DefaultChatID),
		},
		scheduler: automation.SchedulerConfig{
			Enabled:      s.Enabled,
			Tick:         s.Tick,
			Timezone:     s.Timezone,
			RunTimeout:   s.RunTimeout,
			LogRetention: s.LogRetention,
		},
	}, nil
}

func mapAnalysis(cfg *config.Config) (analysis.Config, error) {
	if strings.TrimSpace(cfg.Analysis.Endpoint) == "" {
		return analysis.Config{}, errors.New("analysis.endpoint is required to run schedules")
	}
	timeout, err := config.ParseDurationField("analysis.timeout", cfg.Analysis.Timeout)
	if err != nil {
		return analysis.Config{}, err
	}
	return analysis.Config{Endpoint: cfg.Analysis.Endpoint, Token: cfg.Analysis.Token, Timeout: timeout}, nil
}

func mapNotifier(cfg *config.Config) notifier.Config {
	return notifier.Config{
		RatePerSec: cfg.Telegram.RatePerSec,
		RetryMax:   cfg.Telegram.RetryMax,
		ParseMode:  cfg.Telegram.ParseMode,
	}
}

// validate runs checks that need package knowledge config does not have.
func validate(cfg *config.Config) error {
	if chat := strings.TrimSpace(cfg.Telegram.DefaultChatID); chat != "" {
		if _, err := notifier.ParseDestination(chat); err != nil {
			return errors.Wrap(err, "telegram.default_chat_id")
		}
	}
	_, err := mapStorage(cfg)
	return err
}
