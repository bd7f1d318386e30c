package automation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// fakeStore keeps schedules and logs in memory and tracks how many logs are
// running per schedule at once.
type fakeStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	logs      []*JobLog
	running   map[string]int
	maxRun    map[string]int

	listErr     error
	completeErr error
}

func newFakeStore(ss ...Schedule) *fakeStore {
	f := &fakeStore{
		schedules: map[string]*Schedule{},
		running:   map[string]int{},
		maxRun:    map[string]int{},
	}
	for i := range ss {
		s := ss[i]
		f.schedules[s.ID] = &s
	}
	return f
}

func (f *fakeStore) ListDue(_ context.Context, now time.Time) ([]Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Schedule
	for _, s := range f.sorted() {
		if s.Due(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListEnabled(context.Context) ([]Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Schedule
	for _, s := range f.sorted() {
		if s.Enabled {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) sorted() []*Schedule {
	out := make([]*Schedule, 0, len(f.schedules))
	for _, s := range f.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) MarkRun(_ context.Context, id string, last, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return ErrNotFound
	}
	s.LastRunAt, s.NextRunAt = &last, &next
	return nil
}

func (f *fakeStore) InsertJobLog(_ context.Context, jl *JobLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *jl
	f.logs = append(f.logs, &cp)
	f.running[jl.ScheduleID]++
	if f.running[jl.ScheduleID] > f.maxRun[jl.ScheduleID] {
		f.maxRun[jl.ScheduleID] = f.running[jl.ScheduleID]
	}
	return nil
}

func (f *fakeStore) CompleteJobLog(_ context.Context, jl *JobLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	for i, l := range f.logs {
		if l.ID == jl.ID {
			if l.Status != StatusRunning {
				return errors.New("log already terminal")
			}
			cp := *jl
			f.logs[i] = &cp
			f.running[jl.ScheduleID]--
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeStore) FailRunning(_ context.Context, scheduleID, message string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, l := range f.logs {
		if l.ScheduleID != scheduleID || l.Status != StatusRunning {
			continue
		}
		l.Status = StatusFailed
		l.ErrorMessage = ptr(message)
		l.CompletedAt = ptr(now)
		f.running[scheduleID]--
		n++
	}
	return n, nil
}

func (f *fakeStore) update(id string, fn func(s *Schedule)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.schedules[id])
}

func (f *fakeStore) LastSignalLog(_ context.Context, scheduleID string) (*JobLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *JobLog
	for _, l := range f.logs {
		if l.ScheduleID != scheduleID || (l.Status != StatusSuccess && l.Status != StatusSkipped) {
			continue
		}
		if best == nil || l.StartedAt.After(best.StartedAt) {
			best = l
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) PruneJobLogs(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.logs[:0]
	var n int64
	for _, l := range f.logs {
		if l.Status.Terminal() && l.StartedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	f.logs = kept
	return n, nil
}

func (f *fakeStore) logsFor(id string) []JobLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []JobLog
	for _, l := range f.logs {
		if l.ScheduleID == id {
			out = append(out, *l)
		}
	}
	return out
}

func (f *fakeStore) schedule(id string) Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.schedules[id]
}

type analysisFunc func(ctx context.Context, targetRef string) (Signal, error)

func (fn analysisFunc) Analyze(ctx context.Context, targetRef string) (Signal, error) {
	return fn(ctx, targetRef)
}

func staticSignal(a Action, conf int) analysisFunc {
	return func(context.Context, string) (Signal, error) {
		return Signal{Action: a, Confidence: conf, AnalysisID: "an-1"}, nil
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	err  error
	sent []sentMessage
}

type sentMessage struct {
	dest string
	text string
}

func (n *recordingNotifier) Send(_ context.Context, dest, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{dest: dest, text: msg})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func permissive(id string) Schedule {
	return Schedule{
		ID:             id,
		Name:           "EURUSD " + id,
		TargetRef:      "layout/" + id,
		Enabled:        true,
		Frequency:      Every1h,
		SendToTelegram: true,
		SendOnHold:     true,
		TelegramChatID: ptr("100"),
	}
}
