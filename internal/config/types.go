package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// All durations are Go duration strings ("90s", "2m"). Empty means the default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Telegram  TelegramConfig  `json:"telegram"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the Schedule Store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chartbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite | postgres
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres only; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the tick loop, the run pool and per-run deadlines.
//
// Defaults (when fields are omitted/zero):
//   - tick: "@every 1m"
//   - workers: 2, queue_size: 64, history_size: 200
//   - analysis_timeout: "2m", notify_timeout: "15s"
//   - lease_ttl: analysis_timeout + notify_timeout + 1m
//   - run_timeout: lease_ttl
//   - log_retention: "0s" (keep everything)
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`

	RunTimeout      string `json:"run_timeout,omitempty"`
	AnalysisTimeout string `json:"analysis_timeout,omitempty"`
	NotifyTimeout   string `json:"notify_timeout,omitempty"`
	LeaseTTL        string `json:"lease_ttl,omitempty"`
	LogRetention    string `json:"log_retention,omitempty"`
}

type AnalysisConfig struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token,omitempty"` // never logged
	Timeout  string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"` // never logged
	// DefaultChatID is used for schedules without their own chat ("chatID" or "chatID:threadID").
	DefaultChatID string `json:"default_chat_id,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	ParseMode     string `json:"parse_mode,omitempty"`
	APIURL        string `json:"api_url,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note: with an empty jwt_secret the API is unauthenticated; bind it to localhost.
type HTTPConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
	JWTSecret string `json:"jwt_secret,omitempty"`
}
