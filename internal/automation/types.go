package automation

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrLeaseUnavailable means another run holds the schedule. Callers treat it as a silent no-op.
	ErrLeaseUnavailable = errors.New("automation: run lease unavailable")
	// ErrScheduleInactive means the schedule was deleted or disabled after it was selected.
	ErrScheduleInactive = errors.New("automation: schedule deleted or disabled")
	ErrNotFound         = errors.New("automation: not found")
	ErrInvalidSchedule  = errors.New("automation: invalid schedule")
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// ParseAction accepts any casing and surrounding whitespace.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", errors.Newf("unknown action %q", s)
	}
	return a, nil
}

type JobStatus string

const (
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusFailed  JobStatus = "failed"
	StatusSkipped JobStatus = "skipped"
)

// AbandonedMessage is recorded on running logs whose run stopped without completing.
const AbandonedMessage = "abandoned: process stopped before completion"

func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Schedule is one user's recurring analysis job for one chart target.
type Schedule struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	Name      string `json:"name"`
	TargetRef string `json:"target_ref"`

	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency"`

	SendToTelegram     bool    `json:"send_to_telegram"`
	OnlyOnSignalChange bool    `json:"only_on_signal_change"`
	MinConfidence      int     `json:"min_confidence"`
	SendOnHold         bool    `json:"send_on_hold"`
	TelegramChatID     *string `json:"telegram_chat_id,omitempty"`

	// Written only by the executor holding the schedule's lease.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Schedule) Filters() Filters {
	return Filters{
		OnlyOnSignalChange: s.OnlyOnSignalChange,
		MinConfidence:      s.MinConfidence,
		SendOnHold:         s.SendOnHold,
	}
}

// Due reports whether the schedule should run at now.
func (s Schedule) Due(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	return s.NextRunAt == nil || !s.NextRunAt.After(now)
}

// Validate checks the user-editable fields.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.TargetRef) == "" {
		return errors.Wrap(ErrInvalidSchedule, "target_ref is required")
	}
	if !s.Frequency.Valid() {
		return errors.Wrapf(ErrInvalidSchedule, "frequency %q must be one of %s", s.Frequency, strings.Join(FrequencyNames(), ", "))
	}
	if s.MinConfidence < 0 || s.MinConfidence > 100 {
		return errors.Wrapf(ErrInvalidSchedule, "min_confidence %d out of range 0..100", s.MinConfidence)
	}
	return nil
}

// Signal is what the Analysis Provider returns for one target.
type Signal struct {
	Action     Action `json:"action"`
	Confidence int    `json:"confidence"`
	AnalysisID string `json:"analysis_id,omitempty"`
}

func (s Signal) Validate() error {
	if !s.Action.Valid() {
		return errors.Newf("invalid signal: unknown action %q", s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return errors.Newf("invalid signal: confidence %d out of range 0..100", s.Confidence)
	}
	return nil
}

// JobLog is the audit record of one execution attempt. Once terminal it is never modified.
type JobLog struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	Status      JobStatus  `json:"status"`

	Action         *Action `json:"action,omitempty"`
	Confidence     *int    `json:"confidence,omitempty"`
	PreviousAction *Action `json:"previous_action,omitempty"`

	SignalChanged    bool `json:"signal_changed"`
	MetMinConfidence bool `json:"met_min_confidence"`

	TelegramSent   bool    `json:"telegram_sent"`
	TelegramChatID *string `json:"telegram_chat_id,omitempty"`
	TelegramError  *string `json:"telegram_error,omitempty"`

	SkipReason   *string `json:"skip_reason,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ErrorStack   *string `json:"error_stack,omitempty"`

	AnalysisID *string `json:"analysis_id,omitempty"`
}

func ptr[T any](v T) *T { return &v }
