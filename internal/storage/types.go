package storage

import (
	"context"
	"time"

	"chartbot/internal/automation"
)

// AbandonedMessage is recorded on runs found still running after their lease expired.
const AbandonedMessage = automation.AbandonedMessage

// Config configures storage.
type Config struct {
	Driver      string // memory | sqlite | postgres
	Path        string // sqlite file
	DSN         string // postgres connection string
	BusyTimeout time.Duration
}

// Store is the full persistence API: what the scheduler needs, run leases,
// and the schedule management used by the operator surfaces.
type Store interface {
	automation.Store
	automation.Leaser

	CreateSchedule(ctx context.Context, s *automation.Schedule) error
	// UpdateSchedule writes user-editable fields only; run timestamps are left alone.
	UpdateSchedule(ctx context.Context, s *automation.Schedule) error
	// DeleteSchedule removes the schedule and its JobLog history.
	DeleteSchedule(ctx context.Context, id string) error
	// ListSchedules returns schedules owned by userID, or all when userID is empty.
	ListSchedules(ctx context.Context, userID string) ([]automation.Schedule, error)
	// ListJobLogs returns the newest logs first. limit <= 0 means a default of 50.
	ListJobLogs(ctx context.Context, scheduleID string, limit int) ([]automation.JobLog, error)
	// RecoverAbandoned fails running logs whose schedule lease is free or expired at now.
	RecoverAbandoned(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

const defaultLogLimit = 50
