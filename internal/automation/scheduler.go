package automation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"chartbot/internal/eventbus"
	"chartbot/internal/task/engine"
	logx "chartbot/pkg/logx"
)

const (
	DefaultTick = "@every 1m"

	EventTickFailed = "automation.tick.failed"

	enqueueWarnThrottle = 5 * time.Second
)

var tickParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTick validates a tick spec (standard cron, optional seconds, or descriptors like "@every 1m").
func ParseTick(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultTick
	}
	sched, err := tickParser.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid tick spec %q", spec)
	}
	return sched, nil
}

type SchedulerConfig struct {
	// Enabled turns on the periodic tick. TriggerAll works either way.
	Enabled  bool
	Tick     string
	Timezone string // IANA name; empty means local
	// RunTimeout bounds one queued run in the pool. 0 uses the pool default.
	RunTimeout time.Duration
	// LogRetention prunes terminal JobLogs older than this on every tick. 0 disables.
	LogRetention time.Duration
}

// TickReport summarizes one selection pass.
type TickReport struct {
	Selected    int   `json:"selected"`
	Enqueued    int   `json:"enqueued"`
	Overlapping int   `json:"overlapping"`
	Rejected    int   `json:"rejected"`
	Pruned      int64 `json:"pruned"`
}

type SchedulerSnapshot struct {
	Enabled   bool            `json:"enabled"`
	Tick      string          `json:"tick"`
	Timezone  string          `json:"timezone"`
	Ticks     uint64          `json:"ticks"`
	LastTick  *time.Time      `json:"last_tick,omitempty"`
	NextTick  *time.Time      `json:"next_tick,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Last      TickReport      `json:"last_report"`
	Pool      engine.Snapshot `json:"pool"`
}

// Scheduler drives periodic selection of due schedules and hands each to the
// run pool keyed by schedule id. Selection never blocks on a run.
type Scheduler struct {
	mu  sync.Mutex
	cfg SchedulerConfig
	loc *time.Location

	store Store
	exec  *Executor
	pool  *engine.Service
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	c       *cron.Cron
	entryID cron.EntryID
	baseCtx context.Context

	// tickMu serializes selection passes so two ticks never submit concurrently.
	tickMu   sync.Mutex
	ticks    uint64
	lastTick time.Time
	lastErr  string
	last     TickReport

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(log logx.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

func WithSchedulerBus(bus eventbus.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(cfg SchedulerConfig, store Store, exec *Executor, pool *engine.Service, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil || exec == nil || pool == nil {
		return nil, errors.New("scheduler requires store, executor and pool")
	}
	cfg.Tick = strings.TrimSpace(cfg.Tick)
	if cfg.Tick == "" {
		cfg.Tick = DefaultTick
	}
	if _, err := ParseTick(cfg.Tick); err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.Wrapf(err, "load timezone %q", tz)
		}
		loc = l
	}

	s := &Scheduler{
		cfg:         cfg,
		loc:         loc,
		store:       store,
		exec:        exec,
		pool:        pool,
		now:         time.Now,
		lastEnqWarn: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s, nil
}

// Start starts the run pool and, when enabled, the periodic tick. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return nil
	}
	s.baseCtx = ctx
	s.pool.Start(ctx)

	if !s.cfg.Enabled {
		s.log.Info("scheduler started without periodic tick")
		return nil
	}

	c := cron.New(
		cron.WithParser(tickParser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: s.log})),
	)
	id, err := c.AddFunc(s.cfg.Tick, func() { s.tick(ctx) })
	if err != nil {
		s.baseCtx = nil
		return errors.Wrapf(err, "register tick %q", s.cfg.Tick)
	}
	s.c, s.entryID = c, id
	c.Start()
	s.log.Info("scheduler started",
		logx.String("tick", s.cfg.Tick),
		logx.String("tz", s.loc.String()),
		logx.Time("next_tick", c.Entry(id).Next))
	return nil
}

// Stop stops the tick, then lets in-flight runs finish (bounded by ctx).
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	started := s.baseCtx != nil
	s.baseCtx = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if started {
		s.pool.Stop(ctx)
		s.log.Info("scheduler stopped")
	}
}

// Tick runs one due-selection pass immediately.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	return s.pass(ctx, false)
}

// TriggerAll submits every enabled schedule regardless of next_run_at.
// Schedules already running are dropped, not queued.
func (s *Scheduler) TriggerAll(ctx context.Context) (TickReport, error) {
	return s.pass(ctx, true)
}

// WaitIdle blocks until the run pool has nothing queued or running.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	return s.pool.WaitIdle(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.log.Error("tick failed", logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventTickFailed, Time: s.now(), Data: err.Error()})
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, all bool) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	var rep TickReport
	var (
		list []Schedule
		err  error
	)
	if all {
		list, err = s.store.ListEnabled(ctx)
	} else {
		list, err = s.store.ListDue(ctx, now)
	}
	if err == nil {
		rep.Selected = len(list)
		for _, sched := range list {
			switch enqErr := s.submit(sched); {
			case enqErr == nil:
				rep.Enqueued++
			case errors.Is(enqErr, engine.ErrOverlapSkip):
				rep.Overlapping++
			default:
				rep.Rejected++
				s.reportEnqueueError(sched.ID, enqErr)
			}
		}
		err = errors.Wrap(s.prune(ctx, now, &rep), "prune job logs")
	} else {
		err = errors.Wrap(err, "select schedules")
	}

	if !all {
		s.ticks++
		s.lastTick = now
	}
	s.last = rep
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	if rep.Selected > 0 {
		s.log.Debug("schedules submitted",
			logx.Bool("trigger_all", all),
			logx.Uint64("tick", s.ticks),
			logx.Int("selected", rep.Selected),
			logx.Int("enqueued", rep.Enqueued),
			logx.Int("overlapping", rep.Overlapping),
			logx.Int("rejected", rep.Rejected))
	}
	return rep, err
}

func (s *Scheduler) submit(sched Schedule) error {
	name := strings.TrimSpace(sched.Name)
	if name == "" {
		name = sched.ID
	}
	return s.pool.Enqueue(engine.Task{
		Name:    "automation:" + name,
		Key:     sched.ID,
		Timeout: s.cfg.RunTimeout,
		Run: func(ctx context.Context) error {
			_, err := s.exec.Run(ctx, sched)
			if errors.Is(err, ErrLeaseUnavailable) || errors.Is(err, ErrScheduleInactive) {
				return nil
			}
			return err
		},
	})
}

func (s *Scheduler) prune(ctx context.Context, now time.Time, rep *TickReport) error {
	if s.cfg.LogRetention <= 0 {
		return nil
	}
	n, err := s.store.PruneJobLogs(ctx, now.Add(-s.cfg.LogRetention))
	if err != nil {
		return err
	}
	rep.Pruned = n
	if n > 0 {
		s.log.Info("pruned job logs", logx.Int64("count", n))
	}
	return nil
}

func (s *Scheduler) reportEnqueueError(scheduleID string, err error) {
	now := s.now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[scheduleID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[scheduleID] = now
	s.enqMu.Unlock()
	// Queue full / stopping can be bursty.
	s.log.Warn("schedule failed to enqueue", logx.String("schedule", scheduleID), logx.Err(err))
}

func (s *Scheduler) Snapshot() SchedulerSnapshot {
	s.mu.Lock()
	snap := SchedulerSnapshot{
		Enabled:  s.cfg.Enabled,
		Tick:     s.cfg.Tick,
		Timezone: s.loc.String(),
	}
	if s.c != nil {
		if next := s.c.Entry(s.entryID).Next; !next.IsZero() {
			snap.NextTick = &next
		}
	}
	s.mu.Unlock()

	s.tickMu.Lock()
	snap.Ticks = s.ticks
	if !s.lastTick.IsZero() {
		lt := s.lastTick
		snap.LastTick = &lt
	}
	snap.LastError = s.lastErr
	snap.Last = s.last
	s.tickMu.Unlock()

	snap.Pool = s.pool.Snapshot()
	return snap
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
