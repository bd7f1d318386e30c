package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartbot/internal/automation"
	logx "chartbot/pkg/logx"
)

var base = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

// eachStore runs fn against every driver that needs no external service.
func eachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		st := NewMemory()
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chartbot.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
}

func newSchedule(id, user string) *automation.Schedule {
	chat := "42"
	return &automation.Schedule{
		ID:             id,
		UserID:         user,
		Name:           "sched " + id,
		TargetRef:      "layout/" + id,
		Enabled:        true,
		Frequency:      automation.Every1h,
		SendToTelegram: true,
		MinConfidence:  60,
		TelegramChatID: &chat,
	}
}

func runningLog(id, scheduleID string, at time.Time) *automation.JobLog {
	return &automation.JobLog{ID: id, ScheduleID: scheduleID, StartedAt: at, Status: automation.StatusRunning}
}

func complete(jl *automation.JobLog, status automation.JobStatus, a automation.Action) *automation.JobLog {
	done := jl.StartedAt.Add(2 * time.Second)
	dur := int64(2000)
	conf := 75
	jl.Status = status
	jl.CompletedAt = &done
	jl.DurationMs = &dur
	jl.Action = &a
	jl.Confidence = &conf
	return jl
}

func TestScheduleCRUD(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newSchedule("", "u1")
		require.NoError(t, st.CreateSchedule(ctx, s))
		require.NotEmpty(t, s.ID)
		assert.False(t, s.CreatedAt.IsZero())

		got, err := st.GetSchedule(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.TargetRef, got.TargetRef)
		assert.Equal(t, automation.Every1h, got.Frequency)
		assert.True(t, got.Enabled)
		assert.True(t, got.SendToTelegram)
		assert.False(t, got.SendOnHold)
		require.NotNil(t, got.TelegramChatID)
		assert.Equal(t, "42", *got.TelegramChatID)
		assert.Nil(t, got.NextRunAt)
		assert.True(t, s.CreatedAt.Equal(got.CreatedAt))

		got.Name = "renamed"
		got.Enabled = false
		got.TelegramChatID = nil
		require.NoError(t, st.UpdateSchedule(ctx, got))
		got2, err := st.GetSchedule(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got2.Name)
		assert.False(t, got2.Enabled)
		assert.Nil(t, got2.TelegramChatID)

		require.NoError(t, st.CreateSchedule(ctx, newSchedule("other", "u2")))
		mine, err := st.ListSchedules(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, mine, 1)
		all, err := st.ListSchedules(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, st.DeleteSchedule(ctx, s.ID))
		_, err = st.GetSchedule(ctx, s.ID)
		assert.ErrorIs(t, err, automation.ErrNotFound)
		assert.ErrorIs(t, st.DeleteSchedule(ctx, s.ID), automation.ErrNotFound)
		assert.ErrorIs(t, st.UpdateSchedule(ctx, newSchedule("missing", "")), automation.ErrNotFound)
	})
}

func TestCreateRejectsInvalid(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		s := newSchedule("bad", "")
		s.Frequency = "3h"
		assert.ErrorIs(t, st.CreateSchedule(context.Background(), s), automation.ErrInvalidSchedule)
	})
}

func TestListDueAndMarkRun(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		fresh := newSchedule("fresh", "")
		later := newSchedule("later", "")
		off := newSchedule("off", "")
		off.Enabled = false
		for _, s := range []*automation.Schedule{fresh, later, off} {
			require.NoError(t, st.CreateSchedule(ctx, s))
		}
		require.NoError(t, st.MarkRun(ctx, "later", base, base.Add(time.Hour)))

		due, err := st.ListDue(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, ids(due))

		due, err = st.ListDue(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"fresh", "later"}, ids(due), "next_run_at == now is due")

		enabled, err := st.ListEnabled(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"fresh", "later"}, ids(enabled))

		got, err := st.GetSchedule(ctx, "later")
		require.NoError(t, err)
		assert.True(t, base.Equal(*got.LastRunAt))
		assert.True(t, base.Add(time.Hour).Equal(*got.NextRunAt))

		assert.ErrorIs(t, st.MarkRun(ctx, "nope", base, base), automation.ErrNotFound)
	})
}

func TestLeases(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateSchedule(ctx, newSchedule("s1", "")))

		ok, err := st.Acquire(ctx, "s1", "a", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.Acquire(ctx, "s1", "b", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		due, err := st.ListDue(ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, due, "leased schedules are not due")

		require.NoError(t, st.Release(ctx, "s1", "b"), "foreign release is a no-op")
		ok, _ = st.Acquire(ctx, "s1", "b", time.Hour)
		assert.False(t, ok)

		require.NoError(t, st.Release(ctx, "s1", "a"))
		ok, err = st.Acquire(ctx, "s1", "b", time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)

		time.Sleep(5 * time.Millisecond)
		ok, err = st.Acquire(ctx, "s1", "c", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease is reclaimable")
	})
}

func TestJobLogLifecycle(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateSchedule(ctx, newSchedule("s1", "")))

		last, err := st.LastSignalLog(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, last)

		older := runningLog("l1", "s1", base)
		require.NoError(t, st.InsertJobLog(ctx, older))
		require.NoError(t, st.CompleteJobLog(ctx, complete(older, automation.StatusSkipped, automation.ActionSell)))

		failed := runningLog("l2", "s1", base.Add(time.Hour))
		require.NoError(t, st.InsertJobLog(ctx, failed))
		failed.Status = automation.StatusFailed
		msg := "boom"
		failed.ErrorMessage = &msg
		require.NoError(t, st.CompleteJobLog(ctx, failed))

		last, err = st.LastSignalLog(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "l1", last.ID, "failed runs are not a previous signal")
		assert.Equal(t, automation.ActionSell, *last.Action)
		assert.Equal(t, 75, *last.Confidence)
		assert.EqualValues(t, 2000, *last.DurationMs)

		// Terminal rows are immutable.
		assert.Error(t, st.CompleteJobLog(ctx, complete(older, automation.StatusSuccess, automation.ActionBuy)))

		logs, err := st.ListJobLogs(ctx, "s1", 10)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "l2", logs[0].ID, "newest first")
		assert.Equal(t, automation.StatusFailed, logs[0].Status)
		assert.Equal(t, "boom", *logs[0].ErrorMessage)
		assert.Nil(t, logs[0].Action)

		logs, err = st.ListJobLogs(ctx, "s1", 1)
		require.NoError(t, err)
		assert.Len(t, logs, 1)

		n, err := st.PruneJobLogs(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		require.NoError(t, st.DeleteSchedule(ctx, "s1"))
		logs, err = st.ListJobLogs(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Empty(t, logs, "delete cascades")
	})
}

func TestRecoverAbandoned(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateSchedule(ctx, newSchedule("orphan", "")))
		require.NoError(t, st.CreateSchedule(ctx, newSchedule("busy", "")))

		require.NoError(t, st.InsertJobLog(ctx, runningLog("o1", "orphan", base)))
		ok, err := st.Acquire(ctx, "busy", "live-owner", time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.InsertJobLog(ctx, runningLog("b1", "busy", base)))

		n, err := st.RecoverAbandoned(ctx, time.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		logs, err := st.ListJobLogs(ctx, "orphan", 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, automation.StatusFailed, logs[0].Status)
		assert.Equal(t, AbandonedMessage, *logs[0].ErrorMessage)
		require.NotNil(t, logs[0].CompletedAt)

		logs, err = st.ListJobLogs(ctx, "busy", 0)
		require.NoError(t, err)
		assert.Equal(t, automation.StatusRunning, logs[0].Status, "leased run is still alive")
	})
}

func TestFailRunning(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateSchedule(ctx, newSchedule("s1", "")))
		require.NoError(t, st.CreateSchedule(ctx, newSchedule("s2", "")))
		require.NoError(t, st.InsertJobLog(ctx, runningLog("a", "s1", base)))
		require.NoError(t, st.InsertJobLog(ctx, complete(runningLog("b", "s1", base.Add(-time.Hour)), automation.StatusSuccess, automation.ActionBuy)))
		require.NoError(t, st.InsertJobLog(ctx, runningLog("c", "s2", base)))

		n, err := st.FailRunning(ctx, "s1", "gone", base.Add(time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		logs, err := st.ListJobLogs(ctx, "s1", 0)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, automation.StatusFailed, logs[0].Status)
		assert.Equal(t, "gone", *logs[0].ErrorMessage)
		assert.EqualValues(t, 60000, *logs[0].DurationMs)
		assert.Equal(t, automation.StatusSuccess, logs[1].Status)

		logs, err = st.ListJobLogs(ctx, "s2", 0)
		require.NoError(t, err)
		assert.Equal(t, automation.StatusRunning, logs[0].Status)
	})
}

type fixedSignal automation.Signal

func (f fixedSignal) Analyze(context.Context, string) (automation.Signal, error) {
	return automation.Signal(f), nil
}

func TestRunAfterExpiredLeaseFailsLeftoverLog(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newSchedule("s1", "")
		require.NoError(t, st.CreateSchedule(ctx, s))

		// A process took the lease, started a run and died.
		ok, err := st.Acquire(ctx, s.ID, "dead-proc", 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.InsertJobLog(ctx, runningLog("dead", s.ID, time.Now())))
		n, err := st.RecoverAbandoned(ctx, time.Now())
		require.NoError(t, err)
		assert.Zero(t, n, "lease still live at startup sweep")

		time.Sleep(100 * time.Millisecond)
		ex := automation.NewExecutor(st, st, fixedSignal{Action: automation.ActionBuy, Confidence: 90}, nil, automation.ExecutorConfig{})
		jl, err := ex.Run(ctx, *s)
		require.NoError(t, err)
		assert.Equal(t, automation.StatusSuccess, jl.Status)

		logs, err := st.ListJobLogs(ctx, s.ID, 0)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		for _, l := range logs {
			assert.NotEqual(t, automation.StatusRunning, l.Status, l.ID)
		}
		assert.Equal(t, jl.ID, logs[0].ID)
		assert.Equal(t, "dead", logs[1].ID)
		assert.Equal(t, automation.StatusFailed, logs[1].Status)
		assert.Equal(t, AbandonedMessage, *logs[1].ErrorMessage)
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err, "path required")
	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err, "dsn required")
}

func ids(ss []automation.Schedule) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}
