package automation

import (
	"context"
	"time"
)

// Store is the persistence the scheduler and executor need.
type Store interface {
	// ListDue returns enabled schedules with next_run_at null or <= now whose lease is free.
	ListDue(ctx context.Context, now time.Time) ([]Schedule, error)
	ListEnabled(ctx context.Context) ([]Schedule, error)
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	MarkRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error

	InsertJobLog(ctx context.Context, jl *JobLog) error
	CompleteJobLog(ctx context.Context, jl *JobLog) error
	// FailRunning fails every running log of the schedule with message. Only the
	// lease holder calls it, so any running log it finds belongs to a dead run.
	FailRunning(ctx context.Context, scheduleID, message string, now time.Time) (int64, error)
	// LastSignalLog returns the newest success or skipped log, or nil when none exists.
	LastSignalLog(ctx context.Context, scheduleID string) (*JobLog, error)
	// PruneJobLogs deletes terminal logs started before olderThan.
	PruneJobLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

type AnalysisProvider interface {
	Analyze(ctx context.Context, targetRef string) (Signal, error)
}

// Notifier delivers a rendered HTML message to a destination ("chatID" or "chatID:threadID").
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}
