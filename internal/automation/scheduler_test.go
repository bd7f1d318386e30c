package automation

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartbot/internal/task/engine"
	logx "chartbot/pkg/logx"
)

func newTestScheduler(t *testing.T, cfg SchedulerConfig, st Store, a AnalysisProvider, clk *clock) *Scheduler {
	t.Helper()
	var exOpts []ExecutorOption
	var sOpts []SchedulerOption
	if clk != nil {
		exOpts = append(exOpts, WithClock(clk.Now))
		sOpts = append(sOpts, WithSchedulerClock(clk.Now))
	}
	ex := NewExecutor(st, NewLeaseTable(), a, &recordingNotifier{}, ExecutorConfig{}, exOpts...)
	pool := engine.New(engine.Config{Workers: 2, QueueSize: 16}, logx.Nop(), nil)
	s, err := NewScheduler(cfg, st, ex, pool, sOpts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitSchedulerIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestTickRunsOnlyDueSchedules(t *testing.T) {
	t.Parallel()
	clk := newClock(t0)
	due := permissive("a")
	notDue := permissive("b")
	future := t0.Add(30 * time.Minute)
	notDue.NextRunAt = &future
	disabled := permissive("c")
	disabled.Enabled = false
	st := newFakeStore(due, notDue, disabled)

	s := newTestScheduler(t, SchedulerConfig{}, st, staticSignal(ActionBuy, 90), clk)
	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Selected)
	assert.Equal(t, 1, rep.Enqueued)
	waitSchedulerIdle(t, s)

	assert.Len(t, st.logsFor("a"), 1)
	assert.Empty(t, st.logsFor("b"))
	assert.Empty(t, st.logsFor("c"))
	assert.Equal(t, t0.Add(time.Hour), *st.schedule("a").NextRunAt)

	// Not due again until an interval has passed.
	rep, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Selected)
	assert.EqualValues(t, 2, s.Snapshot().Ticks)
}

func TestTriggerAllBypassesDueTime(t *testing.T) {
	t.Parallel()
	clk := newClock(t0)
	a := permissive("a")
	future := t0.Add(30 * time.Minute)
	a.NextRunAt = &future
	disabled := permissive("b")
	disabled.Enabled = false
	st := newFakeStore(a, disabled)

	s := newTestScheduler(t, SchedulerConfig{}, st, staticSignal(ActionBuy, 90), clk)
	rep, err := s.TriggerAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Enqueued)
	waitSchedulerIdle(t, s)

	assert.Len(t, st.logsFor("a"), 1)
	assert.Empty(t, st.logsFor("b"))
	assert.Zero(t, s.Snapshot().Ticks, "trigger-all is not a tick")
}

func TestTriggerWhileRunningIsDropped(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := analysisFunc(func(ctx context.Context, _ string) (Signal, error) {
		started <- struct{}{}
		<-gate
		return Signal{Action: ActionBuy, Confidence: 90}, nil
	})
	st := newFakeStore(permissive("a"))
	s := newTestScheduler(t, SchedulerConfig{}, st, slow, nil)

	_, err := s.TriggerAll(context.Background())
	require.NoError(t, err)
	<-started

	rep, err := s.TriggerAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Overlapping)
	assert.Zero(t, rep.Enqueued)

	close(gate)
	waitSchedulerIdle(t, s)
	assert.Len(t, st.logsFor("a"), 1)
}

func TestTickErrorIsReportedNotFatal(t *testing.T) {
	t.Parallel()
	st := newFakeStore(permissive("a"))
	st.listErr = errors.New("db down")
	s := newTestScheduler(t, SchedulerConfig{}, st, staticSignal(ActionBuy, 90), nil)

	_, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, s.Snapshot().LastError, "db down")

	st.mu.Lock()
	st.listErr = nil
	st.mu.Unlock()
	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Enqueued)
	assert.Empty(t, s.Snapshot().LastError)
	waitSchedulerIdle(t, s)
}

func TestTickPrunesOldLogs(t *testing.T) {
	t.Parallel()
	clk := newClock(t0)
	idle := permissive("a")
	future := t0.Add(time.Hour)
	idle.NextRunAt = &future
	st := newFakeStore(idle)
	seedSignal(t, st, "a", StatusSuccess, ActionBuy, t0.Add(-48*time.Hour))
	seedSignal(t, st, "a", StatusSkipped, ActionSell, t0.Add(-time.Hour))

	s := newTestScheduler(t, SchedulerConfig{LogRetention: 24 * time.Hour}, st, staticSignal(ActionBuy, 90), clk)
	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.Pruned)
	assert.Len(t, st.logsFor("a"), 1)
}

func TestPeriodicTickFires(t *testing.T) {
	t.Parallel()
	st := newFakeStore(permissive("a"))
	s := newTestScheduler(t, SchedulerConfig{Enabled: true, Tick: "@every 1s"}, st, staticSignal(ActionBuy, 90), nil)

	require.Eventually(t, func() bool { return len(st.logsFor("a")) == 1 }, 3*time.Second, 20*time.Millisecond)
	snap := s.Snapshot()
	assert.True(t, snap.Enabled)
	assert.NotNil(t, snap.NextTick)
}

func TestNewSchedulerValidates(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	ex := NewExecutor(st, NewLeaseTable(), staticSignal(ActionBuy, 1), nil, ExecutorConfig{})
	pool := engine.New(engine.Config{}, logx.Nop(), nil)

	_, err := NewScheduler(SchedulerConfig{Tick: "every minute"}, st, ex, pool)
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerConfig{Timezone: "Mars/Olympus"}, st, ex, pool)
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerConfig{Tick: "*/5 * * * *", Timezone: "Asia/Jakarta"}, st, ex, pool)
	assert.NoError(t, err)

	_, err = ParseTick("")
	assert.NoError(t, err, "empty means default")
}
