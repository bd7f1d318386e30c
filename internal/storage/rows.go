package storage

import (
	"database/sql"
	"time"

	"chartbot/internal/automation"
)

const scheduleColumns = `id, user_id, name, target_ref, enabled, frequency, send_to_telegram,
	only_on_signal_change, min_confidence, send_on_hold, telegram_chat_id,
	last_run_at, next_run_at, lease_owner, lease_until, created_at, updated_at`

const jobLogColumns = `id, schedule_id, started_at, completed_at, duration_ms, status,
	action, confidence, previous_action, signal_changed, met_min_confidence,
	telegram_sent, telegram_chat_id, telegram_error, skip_reason,
	error_message, error_stack, analysis_id`

type scheduleRow struct {
	ID                 string         `db:"id"`
	UserID             string         `db:"user_id"`
	Name               string         `db:"name"`
	TargetRef          string         `db:"target_ref"`
	Enabled            bool           `db:"enabled"`
	Frequency          string         `db:"frequency"`
	SendToTelegram     bool           `db:"send_to_telegram"`
	OnlyOnSignalChange bool           `db:"only_on_signal_change"`
	MinConfidence      int            `db:"min_confidence"`
	SendOnHold         bool           `db:"send_on_hold"`
	TelegramChatID     sql.NullString `db:"telegram_chat_id"`
	LastRunAt          sql.NullInt64  `db:"last_run_at"`
	NextRunAt          sql.NullInt64  `db:"next_run_at"`
	LeaseOwner         sql.NullString `db:"lease_owner"`
	LeaseUntil         sql.NullInt64  `db:"lease_until"`
	CreatedAt          int64          `db:"created_at"`
	UpdatedAt          int64          `db:"updated_at"`
}

func toScheduleRow(s *automation.Schedule) scheduleRow {
	return scheduleRow{
		ID:                 s.ID,
		UserID:             s.UserID,
		Name:               s.Name,
		TargetRef:          s.TargetRef,
		Enabled:            s.Enabled,
		Frequency:          string(s.Frequency),
		SendToTelegram:     s.SendToTelegram,
		OnlyOnSignalChange: s.OnlyOnSignalChange,
		MinConfidence:      s.MinConfidence,
		SendOnHold:         s.SendOnHold,
		TelegramChatID:     nullStr(s.TelegramChatID),
		LastRunAt:          nullMillis(s.LastRunAt),
		NextRunAt:          nullMillis(s.NextRunAt),
		CreatedAt:          s.CreatedAt.UnixMilli(),
		UpdatedAt:          s.UpdatedAt.UnixMilli(),
	}
}

func (r scheduleRow) schedule() automation.Schedule {
	return automation.Schedule{
		ID:                 r.ID,
		UserID:             r.UserID,
		Name:               r.Name,
		TargetRef:          r.TargetRef,
		Enabled:            r.Enabled,
		Frequency:          automation.Frequency(r.Frequency),
		SendToTelegram:     r.SendToTelegram,
		OnlyOnSignalChange: r.OnlyOnSignalChange,
		MinConfidence:      r.MinConfidence,
		SendOnHold:         r.SendOnHold,
		TelegramChatID:     strPtr(r.TelegramChatID),
		LastRunAt:          timePtr(r.LastRunAt),
		NextRunAt:          timePtr(r.NextRunAt),
		CreatedAt:          fromMillis(r.CreatedAt),
		UpdatedAt:          fromMillis(r.UpdatedAt),
	}
}

type jobLogRow struct {
	ID               string         `db:"id"`
	ScheduleID       string         `db:"schedule_id"`
	StartedAt        int64          `db:"started_at"`
	CompletedAt      sql.NullInt64  `db:"completed_at"`
	DurationMs       sql.NullInt64  `db:"duration_ms"`
	Status           string         `db:"status"`
	Action           sql.NullString `db:"action"`
	Confidence       sql.NullInt64  `db:"confidence"`
	PreviousAction   sql.NullString `db:"previous_action"`
	SignalChanged    bool           `db:"signal_changed"`
	MetMinConfidence bool           `db:"met_min_confidence"`
	TelegramSent     bool           `db:"telegram_sent"`
	TelegramChatID   sql.NullString `db:"telegram_chat_id"`
	TelegramError    sql.NullString `db:"telegram_error"`
	SkipReason       sql.NullString `db:"skip_reason"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ErrorStack       sql.NullString `db:"error_stack"`
	AnalysisID       sql.NullString `db:"analysis_id"`
}

func toJobLogRow(jl *automation.JobLog) jobLogRow {
	r := jobLogRow{
		ID:               jl.ID,
		ScheduleID:       jl.ScheduleID,
		StartedAt:        jl.StartedAt.UnixMilli(),
		CompletedAt:      nullMillis(jl.CompletedAt),
		Status:           string(jl.Status),
		Action:           nullAction(jl.Action),
		PreviousAction:   nullAction(jl.PreviousAction),
		SignalChanged:    jl.SignalChanged,
		MetMinConfidence: jl.MetMinConfidence,
		TelegramSent:     jl.TelegramSent,
		TelegramChatID:   nullStr(jl.TelegramChatID),
		TelegramError:    nullStr(jl.TelegramError),
		SkipReason:       nullStr(jl.SkipReason),
		ErrorMessage:     nullStr(jl.ErrorMessage),
		ErrorStack:       nullStr(jl.ErrorStack),
		AnalysisID:       nullStr(jl.AnalysisID),
	}
	if jl.DurationMs != nil {
		r.DurationMs = sql.NullInt64{Int64: *jl.DurationMs, Valid: true}
	}
	if jl.Confidence != nil {
		r.Confidence = sql.NullInt64{Int64: int64(*jl.Confidence), Valid: true}
	}
	return r
}

func (r jobLogRow) jobLog() automation.JobLog {
	jl := automation.JobLog{
		ID:               r.ID,
		ScheduleID:       r.ScheduleID,
		StartedAt:        fromMillis(r.StartedAt),
		CompletedAt:      timePtr(r.CompletedAt),
		Status:           automation.JobStatus(r.Status),
		SignalChanged:    r.SignalChanged,
		MetMinConfidence: r.MetMinConfidence,
		TelegramSent:     r.TelegramSent,
		TelegramChatID:   strPtr(r.TelegramChatID),
		TelegramError:    strPtr(r.TelegramError),
		SkipReason:       strPtr(r.SkipReason),
		ErrorMessage:     strPtr(r.ErrorMessage),
		ErrorStack:       strPtr(r.ErrorStack),
		AnalysisID:       strPtr(r.AnalysisID),
	}
	if r.DurationMs.Valid {
		v := r.DurationMs.Int64
		jl.DurationMs = &v
	}
	if r.Confidence.Valid {
		v := int(r.Confidence.Int64)
		jl.Confidence = &v
	}
	if r.Action.Valid {
		a := automation.Action(r.Action.String)
		jl.Action = &a
	}
	if r.PreviousAction.Valid {
		a := automation.Action(r.PreviousAction.String)
		jl.PreviousAction = &a
	}
	return jl
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullAction(a *automation.Action) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*a), Valid: true}
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// fromMillis returns UTC so round-tripped values compare equal regardless of host zone.
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
