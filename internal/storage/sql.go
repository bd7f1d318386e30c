package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"chartbot/internal/automation"
	logx "chartbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore implements Store for sqlite and postgres through sqlx.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return newSQLStore(db, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return newSQLStore(db, log)
}

func newSQLStore(db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &sqlStore{db: db, log: log, now: time.Now}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", db.DriverName()))
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate schema")
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *sqlStore) CreateSchedule(ctx context.Context, sch *automation.Schedule) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(sch.ID) == "" {
		sch.ID = uuid.NewString()
	}
	now := s.stamp()
	sch.CreatedAt, sch.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO automation_schedules (
		id, user_id, name, target_ref, enabled, frequency, send_to_telegram,
		only_on_signal_change, min_confidence, send_on_hold, telegram_chat_id,
		last_run_at, next_run_at, created_at, updated_at
	) VALUES (
		:id, :user_id, :name, :target_ref, :enabled, :frequency, :send_to_telegram,
		:only_on_signal_change, :min_confidence, :send_on_hold, :telegram_chat_id,
		:last_run_at, :next_run_at, :created_at, :updated_at
	)`, toScheduleRow(sch))
	return errors.Wrap(err, "insert schedule")
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, sch *automation.Schedule) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	sch.UpdatedAt = s.stamp()
	res, err := s.db.NamedExecContext(ctx, `UPDATE automation_schedules SET
		name = :name, target_ref = :target_ref, enabled = :enabled, frequency = :frequency,
		send_to_telegram = :send_to_telegram, only_on_signal_change = :only_on_signal_change,
		min_confidence = :min_confidence, send_on_hold = :send_on_hold,
		telegram_chat_id = :telegram_chat_id, updated_at = :updated_at
	WHERE id = :id`, toScheduleRow(sch))
	if err != nil {
		return errors.Wrap(err, "update schedule")
	}
	return expectOne(res, sch.ID)
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM automation_job_logs WHERE schedule_id = ?`), id); err != nil {
		return errors.Wrap(err, "delete job logs")
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM automation_schedules WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "delete schedule")
	}
	if err := expectOne(res, id); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

func (s *sqlStore) GetSchedule(ctx context.Context, id string) (*automation.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+scheduleColumns+` FROM automation_schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(automation.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get schedule")
	}
	sch := row.schedule()
	return &sch, nil
}

func (s *sqlStore) ListSchedules(ctx context.Context, userID string) ([]automation.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM automation_schedules`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	return s.selectSchedules(ctx, q+` ORDER BY created_at, id`, args...)
}

func (s *sqlStore) ListDue(ctx context.Context, now time.Time) ([]automation.Schedule, error) {
	ms := now.UnixMilli()
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM automation_schedules
		WHERE enabled = ?
		  AND (next_run_at IS NULL OR next_run_at <= ?)
		  AND (lease_until IS NULL OR lease_until <= ?)
		ORDER BY created_at, id`, true, ms, ms)
}

func (s *sqlStore) ListEnabled(ctx context.Context) ([]automation.Schedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM automation_schedules WHERE enabled = ? ORDER BY created_at, id`, true)
}

func (s *sqlStore) selectSchedules(ctx context.Context, q string, args ...any) ([]automation.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "select schedules")
	}
	out := make([]automation.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.schedule())
	}
	return out, nil
}

func (s *sqlStore) MarkRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE automation_schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`),
		lastRunAt.UnixMilli(), nextRunAt.UnixMilli(), id)
	if err != nil {
		return errors.Wrap(err, "mark run")
	}
	return expectOne(res, id)
}

// Acquire takes the lease when it is free, expired, or already ours.
func (s *sqlStore) Acquire(ctx context.Context, scheduleID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE automation_schedules SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_until IS NULL OR lease_until <= ? OR lease_owner = ?)`),
		owner, now.Add(ttl).UnixMilli(), scheduleID, now.UnixMilli(), owner)
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	if n == 1 {
		return true, nil
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM automation_schedules WHERE id = ?`), scheduleID); err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	if count == 0 {
		return false, errors.Wrapf(automation.ErrNotFound, "schedule %s", scheduleID)
	}
	return false, nil
}

func (s *sqlStore) Release(ctx context.Context, scheduleID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE automation_schedules SET lease_owner = NULL, lease_until = NULL
		WHERE id = ? AND lease_owner = ?`), scheduleID, owner)
	return errors.Wrap(err, "release lease")
}

func (s *sqlStore) InsertJobLog(ctx context.Context, jl *automation.JobLog) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO automation_job_logs (`+jobLogColumns+`) VALUES (
		:id, :schedule_id, :started_at, :completed_at, :duration_ms, :status,
		:action, :confidence, :previous_action, :signal_changed, :met_min_confidence,
		:telegram_sent, :telegram_chat_id, :telegram_error, :skip_reason,
		:error_message, :error_stack, :analysis_id
	)`, toJobLogRow(jl))
	return errors.Wrap(err, "insert job log")
}

func (s *sqlStore) CompleteJobLog(ctx context.Context, jl *automation.JobLog) error {
	if !jl.Status.Terminal() {
		return errors.Newf("job log %s: status %q is not terminal", jl.ID, jl.Status)
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE automation_job_logs SET
		completed_at = :completed_at, duration_ms = :duration_ms, status = :status,
		action = :action, confidence = :confidence, previous_action = :previous_action,
		signal_changed = :signal_changed, met_min_confidence = :met_min_confidence,
		telegram_sent = :telegram_sent, telegram_chat_id = :telegram_chat_id,
		telegram_error = :telegram_error, skip_reason = :skip_reason,
		error_message = :error_message, error_stack = :error_stack, analysis_id = :analysis_id
	WHERE id = :id AND status = 'running'`, toJobLogRow(jl))
	if err != nil {
		return errors.Wrap(err, "complete job log")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "complete job log")
	}
	if n != 1 {
		return errors.Newf("job log %s is not running", jl.ID)
	}
	return nil
}

func (s *sqlStore) LastSignalLog(ctx context.Context, scheduleID string) (*automation.JobLog, error) {
	var row jobLogRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobLogColumns+` FROM automation_job_logs
		WHERE schedule_id = ? AND status IN (?, ?)
		ORDER BY started_at DESC LIMIT 1`),
		scheduleID, string(automation.StatusSuccess), string(automation.StatusSkipped))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "last signal log")
	}
	jl := row.jobLog()
	return &jl, nil
}

func (s *sqlStore) ListJobLogs(ctx context.Context, scheduleID string, limit int) ([]automation.JobLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	var rows []jobLogRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobLogColumns+` FROM automation_job_logs
		WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`), scheduleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list job logs")
	}
	out := make([]automation.JobLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.jobLog())
	}
	return out, nil
}

func (s *sqlStore) PruneJobLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM automation_job_logs WHERE status <> ? AND started_at < ?`),
		string(automation.StatusRunning), olderThan.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune job logs")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "prune job logs")
}

func (s *sqlStore) FailRunning(ctx context.Context, scheduleID, message string, now time.Time) (int64, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE automation_job_logs
		SET status = ?, error_message = ?,
			completed_at = CASE WHEN started_at > ? THEN started_at ELSE ? END,
			duration_ms = CASE WHEN started_at > ? THEN 0 ELSE ? - started_at END
		WHERE schedule_id = ? AND status = ?`),
		string(automation.StatusFailed), message, ms, ms, ms, ms, scheduleID, string(automation.StatusRunning))
	if err != nil {
		return 0, errors.Wrap(err, "fail running job logs")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "fail running job logs")
}

func (s *sqlStore) RecoverAbandoned(ctx context.Context, now time.Time) (int64, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE automation_job_logs
		SET status = ?, error_message = ?, completed_at = ?, duration_ms = ? - started_at
		WHERE status = ? AND schedule_id IN (
			SELECT id FROM automation_schedules WHERE lease_until IS NULL OR lease_until <= ?
		)`),
		string(automation.StatusFailed), AbandonedMessage, ms, ms, string(automation.StatusRunning), ms)
	if err != nil {
		return 0, errors.Wrap(err, "recover abandoned runs")
	}
	n, err := res.RowsAffected()
	if n > 0 {
		s.log.Warn("recovered abandoned runs", logx.Int64("count", n))
	}
	return n, errors.Wrap(err, "recover abandoned runs")
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(automation.ErrNotFound, "schedule %s", id)
	}
	return nil
}
