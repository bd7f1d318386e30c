package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"chartbot/internal/automation"
)

// memoryStore keeps everything in process memory. Leases come from an
// embedded LeaseTable so ListDue can skip schedules that are running.
type memoryStore struct {
	*automation.LeaseTable

	mu        sync.RWMutex
	schedules map[string]automation.Schedule
	logs      map[string][]automation.JobLog // by schedule id, oldest first
	now       func() time.Time
}

func NewMemory() Store {
	return &memoryStore{
		LeaseTable: automation.NewLeaseTable(),
		schedules:  make(map[string]automation.Schedule),
		logs:       make(map[string][]automation.JobLog),
		now:        time.Now,
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) CreateSchedule(_ context.Context, s *automation.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.schedules[s.ID]; exists {
		return errors.Newf("schedule %s already exists", s.ID)
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	s.CreatedAt, s.UpdatedAt = now, now
	m.schedules[s.ID] = cloneSchedule(*s)
	return nil
}

func (m *memoryStore) UpdateSchedule(_ context.Context, s *automation.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[s.ID]
	if !ok {
		return errors.Wrapf(automation.ErrNotFound, "schedule %s", s.ID)
	}
	s.UpdatedAt = m.now().UTC().Truncate(time.Millisecond)
	cur.Name = s.Name
	cur.TargetRef = s.TargetRef
	cur.Enabled = s.Enabled
	cur.Frequency = s.Frequency
	cur.SendToTelegram = s.SendToTelegram
	cur.OnlyOnSignalChange = s.OnlyOnSignalChange
	cur.MinConfidence = s.MinConfidence
	cur.SendOnHold = s.SendOnHold
	cur.TelegramChatID = s.TelegramChatID
	cur.UpdatedAt = s.UpdatedAt
	m.schedules[s.ID] = cloneSchedule(cur)
	return nil
}

func (m *memoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return errors.Wrapf(automation.ErrNotFound, "schedule %s", id)
	}
	delete(m.schedules, id)
	delete(m.logs, id)
	return nil
}

func (m *memoryStore) GetSchedule(_ context.Context, id string) (*automation.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, errors.Wrapf(automation.ErrNotFound, "schedule %s", id)
	}
	cp := cloneSchedule(s)
	return &cp, nil
}

func (m *memoryStore) ListSchedules(_ context.Context, userID string) ([]automation.Schedule, error) {
	return m.filter(func(s automation.Schedule) bool { return userID == "" || s.UserID == userID }), nil
}

func (m *memoryStore) ListDue(_ context.Context, now time.Time) ([]automation.Schedule, error) {
	return m.filter(func(s automation.Schedule) bool {
		return s.Due(now) && !m.Held(s.ID, now)
	}), nil
}

func (m *memoryStore) ListEnabled(_ context.Context) ([]automation.Schedule, error) {
	return m.filter(func(s automation.Schedule) bool { return s.Enabled }), nil
}

func (m *memoryStore) filter(keep func(automation.Schedule) bool) []automation.Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]automation.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if keep(s) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memoryStore) MarkRun(_ context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return errors.Wrapf(automation.ErrNotFound, "schedule %s", id)
	}
	s.LastRunAt, s.NextRunAt = &lastRunAt, &nextRunAt
	m.schedules[id] = s
	return nil
}

func (m *memoryStore) InsertJobLog(_ context.Context, jl *automation.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[jl.ScheduleID] = append(m.logs[jl.ScheduleID], *jl)
	return nil
}

func (m *memoryStore) CompleteJobLog(_ context.Context, jl *automation.JobLog) error {
	if !jl.Status.Terminal() {
		return errors.Newf("job log %s: status %q is not terminal", jl.ID, jl.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := m.logs[jl.ScheduleID]
	for i := range logs {
		if logs[i].ID != jl.ID {
			continue
		}
		if logs[i].Status != automation.StatusRunning {
			break
		}
		logs[i] = *jl
		return nil
	}
	return errors.Newf("job log %s is not running", jl.ID)
}

func (m *memoryStore) LastSignalLog(_ context.Context, scheduleID string) (*automation.JobLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *automation.JobLog
	for i, l := range m.logs[scheduleID] {
		if l.Status != automation.StatusSuccess && l.Status != automation.StatusSkipped {
			continue
		}
		if best == nil || l.StartedAt.After(best.StartedAt) {
			best = &m.logs[scheduleID][i]
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memoryStore) ListJobLogs(_ context.Context, scheduleID string, limit int) ([]automation.JobLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	m.mu.RLock()
	out := append([]automation.JobLog(nil), m.logs[scheduleID]...)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) PruneJobLogs(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, logs := range m.logs {
		kept := logs[:0]
		for _, l := range logs {
			if l.Status.Terminal() && l.StartedAt.Before(olderThan) {
				n++
				continue
			}
			kept = append(kept, l)
		}
		m.logs[id] = kept
	}
	return n, nil
}

func (m *memoryStore) FailRunning(_ context.Context, scheduleID, message string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return failRunning(m.logs[scheduleID], message, now), nil
}

func (m *memoryStore) RecoverAbandoned(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, logs := range m.logs {
		if m.Held(id, now) {
			continue
		}
		n += failRunning(logs, AbandonedMessage, now)
	}
	return n, nil
}

func failRunning(logs []automation.JobLog, message string, now time.Time) int64 {
	var n int64
	for i := range logs {
		if logs[i].Status != automation.StatusRunning {
			continue
		}
		done := now
		if done.Before(logs[i].StartedAt) {
			done = logs[i].StartedAt
		}
		dur := done.Sub(logs[i].StartedAt).Milliseconds()
		msg := message
		logs[i].Status = automation.StatusFailed
		logs[i].CompletedAt = &done
		logs[i].DurationMs = &dur
		logs[i].ErrorMessage = &msg
		n++
	}
	return n
}

func cloneSchedule(s automation.Schedule) automation.Schedule {
	if s.TelegramChatID != nil {
		v := *s.TelegramChatID
		s.TelegramChatID = &v
	}
	if s.LastRunAt != nil {
		v := *s.LastRunAt
		s.LastRunAt = &v
	}
	if s.NextRunAt != nil {
		v := *s.NextRunAt
		s.NextRunAt = &v
	}
	return s
}
