package config

import (
	"reflect"
	"strings"

	logx "chartbot/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	Sections []string
	// Restart lists sections that changed but only take effect after a restart.
	Restart []string
	Fields  []logx.Field // safe for logging; never includes secrets
}

// Reloadable sections are applied live by the app; everything else needs a restart.
var reloadable = map[string]bool{"logging": true, "telegram.rate": true}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, fields ...logx.Field) {
		c.Sections = append(c.Sections, section)
		if !reloadable[section] {
			c.Restart = append(c.Restart, section)
		}
		c.Fields = append(c.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers))
	}
	if oldCfg.Analysis.Endpoint != newCfg.Analysis.Endpoint ||
		oldCfg.Analysis.Timeout != newCfg.Analysis.Timeout ||
		secretChanged(oldCfg.Analysis.Token, newCfg.Analysis.Token) {
		mark("analysis", logx.String("analysis.endpoint", newCfg.Analysis.Endpoint))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.RatePerSec != nt.RatePerSec || ot.RetryMax != nt.RetryMax {
		mark("telegram.rate", logx.Int("telegram.rate_per_sec", nt.RatePerSec), logx.Int("telegram.retry_max", nt.RetryMax))
	}
	if secretChanged(ot.Token, nt.Token) || ot.DefaultChatID != nt.DefaultChatID ||
		ot.ParseMode != nt.ParseMode || ot.APIURL != nt.APIURL {
		mark("telegram", logx.Bool("telegram.default_chat_set", strings.TrimSpace(nt.DefaultChatID) != ""))
	}

	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || oldCfg.HTTP.Addr != newCfg.HTTP.Addr ||
		secretChanged(oldCfg.HTTP.JWTSecret, newCfg.HTTP.JWTSecret) {
		mark("http", logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.ListenAddr()))
	}
	return c
}

func secretChanged(a, b string) bool { return strings.TrimSpace(a) != strings.TrimSpace(b) }
