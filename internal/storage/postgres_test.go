package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartbot/internal/automation"
	logx "chartbot/pkg/logx"
)

// newMockPostgres returns a store speaking the postgres dialect over sqlmock,
// with the schema migration already expected.
func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(true)
	for i := 0; i < 6; i++ {
		mock.ExpectExec(`CREATE (TABLE|INDEX) IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	st, err := newSQLStore(sqlx.NewDb(db, "postgres"), logx.Nop())
	require.NoError(t, err)
	st.now = func() time.Time { return base }
	t.Cleanup(func() { _ = db.Close() })
	return st, mock
}

func TestPostgresAcquireUsesDollarPlaceholders(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE automation_schedules SET lease_owner = $1, lease_until = $2`)).
		WithArgs("owner-1", base.Add(time.Minute).UnixMilli(), "s1", base.UnixMilli(), "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.Acquire(context.Background(), "s1", "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireContended(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE automation_schedules SET lease_owner`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM automation_schedules WHERE id = $1`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := st.Acquire(context.Background(), "s1", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireMissingSchedule(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE automation_schedules SET lease_owner`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := st.Acquire(context.Background(), "gone", "owner", time.Minute)
	assert.ErrorIs(t, err, automation.ErrNotFound)
}

func TestPostgresListDue(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	ms := base.UnixMilli()

	cols := []string{"id", "user_id", "name", "target_ref", "enabled", "frequency", "send_to_telegram",
		"only_on_signal_change", "min_confidence", "send_on_hold", "telegram_chat_id",
		"last_run_at", "next_run_at", "lease_owner", "lease_until", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("s1", "u1", "gold", "layout/gold", true, "4h", true, false, 70, false, "-100", nil, nil, nil, nil, ms, ms)

	mock.ExpectQuery(`WHERE enabled = \$1\s+AND \(next_run_at IS NULL OR next_run_at <= \$2\)`).
		WithArgs(true, ms, ms).
		WillReturnRows(rows)

	due, err := st.ListDue(context.Background(), base)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, automation.Every4h, due[0].Frequency)
	assert.Equal(t, 70, due[0].MinConfidence)
	assert.Equal(t, "-100", *due[0].TelegramChatID)
	assert.Nil(t, due[0].NextRunAt)
	assert.True(t, base.Equal(due[0].CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteCascadesInTransaction(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM automation_job_logs WHERE schedule_id = $1`)).
		WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM automation_schedules WHERE id = $1`)).
		WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.DeleteSchedule(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteRequiresRunning(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE automation_job_logs SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	jl := complete(runningLog("l1", "s1", base), automation.StatusSuccess, automation.ActionBuy)
	err := st.CompleteJobLog(context.Background(), jl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailRunningScopedToSchedule(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	ms := base.UnixMilli()
	mock.ExpectExec(`(?s)UPDATE automation_job_logs\s+SET status = \$1, error_message = \$2,.*WHERE schedule_id = \$7 AND status = \$8`).
		WithArgs(string(automation.StatusFailed), AbandonedMessage, ms, ms, ms, ms, "s1", string(automation.StatusRunning)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.FailRunning(context.Background(), "s1", AbandonedMessage, base)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
