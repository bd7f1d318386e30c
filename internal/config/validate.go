package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chartbot/internal/automation"
	logx "chartbot/pkg/logx"
)

const DefaultHTTPAddr = "127.0.0.1:8085"

// SchedulerSettings is SchedulerConfig with defaults applied and durations parsed.
type SchedulerSettings struct {
	Enabled  bool
	Tick     string
	Timezone string

	Workers     int
	QueueSize   int
	HistorySize int

	RunTimeout      time.Duration
	AnalysisTimeout time.Duration
	NotifyTimeout   time.Duration
	LeaseTTL        time.Duration
	LogRetention    time.Duration
}

func (c SchedulerConfig) Resolve() (SchedulerSettings, error) {
	s := SchedulerSettings{
		Enabled:     c.Enabled,
		Tick:        strings.TrimSpace(c.Tick),
		Timezone:    strings.TrimSpace(c.Timezone),
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		HistorySize: c.HistorySize,
	}
	if s.Tick == "" {
		s.Tick = automation.DefaultTick
	}
	if s.Workers < 0 || s.QueueSize < 0 || s.HistorySize < 0 {
		return s, errors.New("scheduler: workers, queue_size and history_size must be >= 0")
	}
	if s.Workers == 0 {
		s.Workers = 2
	}
	if s.QueueSize == 0 {
		s.QueueSize = 64
	}
	if s.HistorySize == 0 {
		s.HistorySize = 200
	}

	var err error
	if s.AnalysisTimeout, err = ParseDurationOrDefault("scheduler.analysis_timeout", c.AnalysisTimeout, 2*time.Minute); err != nil {
		return s, err
	}
	if s.NotifyTimeout, err = ParseDurationOrDefault("scheduler.notify_timeout", c.NotifyTimeout, 15*time.Second); err != nil {
		return s, err
	}
	if s.LeaseTTL, err = ParseDurationOrDefault("scheduler.lease_ttl", c.LeaseTTL, s.AnalysisTimeout+s.NotifyTimeout+time.Minute); err != nil {
		return s, err
	}
	if s.RunTimeout, err = ParseDurationOrDefault("scheduler.run_timeout", c.RunTimeout, s.LeaseTTL); err != nil {
		return s, err
	}
	if s.LogRetention, err = ParseDurationField("scheduler.log_retention", c.LogRetention); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks everything that can be checked without touching the network or disk.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return errors.Newf("logging.level: unknown level %q", c.Logging.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for sqlite")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return errors.Newf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	s, err := c.Scheduler.Resolve()
	if err != nil {
		return err
	}
	if _, err := automation.ParseTick(s.Tick); err != nil {
		return errors.Wrap(err, "scheduler.tick")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return errors.Wrapf(err, "scheduler.timezone %q", s.Timezone)
		}
	}
	if s.LeaseTTL <= s.AnalysisTimeout+s.NotifyTimeout {
		return errors.Newf("scheduler.lease_ttl (%s) must exceed analysis_timeout + notify_timeout (%s)",
			s.LeaseTTL, s.AnalysisTimeout+s.NotifyTimeout)
	}
	// A run outliving its lease could overlap with another process's run.
	if s.RunTimeout > s.LeaseTTL {
		return errors.Newf("scheduler.run_timeout (%s) must not exceed lease_ttl (%s)", s.RunTimeout, s.LeaseTTL)
	}

	ep := strings.TrimSpace(c.Analysis.Endpoint)
	if ep != "" && !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
		return errors.Newf("analysis.endpoint %q must be http(s)", ep)
	}
	if _, err := ParseDurationField("analysis.timeout", c.Analysis.Timeout); err != nil {
		return err
	}

	if c.Telegram.RatePerSec < 0 || c.Telegram.RetryMax < 0 {
		return errors.New("telegram: rate_per_sec and retry_max must be >= 0")
	}
	// Messages are rendered as HTML.
	if pm := strings.TrimSpace(c.Telegram.ParseMode); pm != "" && !strings.EqualFold(pm, "HTML") {
		return errors.Newf("telegram.parse_mode: unsupported mode %q", c.Telegram.ParseMode)
	}

	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.JWTSecret) != "" && len(strings.TrimSpace(c.HTTP.JWTSecret)) < 16 {
		return errors.New("http.jwt_secret must be at least 16 characters")
	}
	return nil
}

func (c HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}
