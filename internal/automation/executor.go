package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"chartbot/internal/eventbus"
	logx "chartbot/pkg/logx"
)

const (
	EventRunStarted  = "automation.run.started"
	EventRunFinished = "automation.run.finished"

	errNoDestination = "no telegram chat configured"

	// finalizeTimeout bounds the audit writes that happen after the run context may be gone.
	finalizeTimeout = 10 * time.Second
)

type ExecutorConfig struct {
	AnalysisTimeout time.Duration
	NotifyTimeout   time.Duration
	LeaseTTL        time.Duration
	// DefaultChatID is used when a schedule has no telegram_chat_id.
	DefaultChatID string
	// Owner identifies this process in leases. Generated when empty.
	Owner string
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 2 * time.Minute
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 15 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.AnalysisTimeout + c.NotifyTimeout + time.Minute
	}
	if strings.TrimSpace(c.Owner) == "" {
		c.Owner = "exec-" + uuid.NewString()
	}
	return c
}

// Executor performs single runs of a schedule and records each in a JobLog.
type Executor struct {
	cfg      ExecutorConfig
	store    Store
	leases   Leaser
	analysis AnalysisProvider
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

type ExecutorOption func(*Executor)

func WithExecutorLogger(log logx.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

func WithExecutorBus(bus eventbus.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor wires a run executor. notifier may be nil, in which case dispatches
// are recorded as failed deliveries.
func NewExecutor(store Store, leases Leaser, analysis AnalysisProvider, notifier Notifier, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		cfg:      cfg.withDefaults(),
		store:    store,
		leases:   leases,
		analysis: analysis,
		notifier: notifier,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

func (e *Executor) Owner() string { return e.cfg.Owner }

// Run performs exactly one attempt for the schedule selected as s. It returns
// ErrLeaseUnavailable when another run holds the schedule and
// ErrScheduleInactive when it was deleted or disabled since selection. The run
// itself uses the stored schedule read under the lease. Analysis failures are
// not returned as errors; they are recorded in the returned JobLog. A non-nil
// error with a non-nil JobLog means the audit record itself could not be written.
func (e *Executor) Run(ctx context.Context, s Schedule) (*JobLog, error) {
	ok, err := e.leases.Acquire(ctx, s.ID, e.cfg.Owner, e.cfg.LeaseTTL)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire lease for schedule %s", s.ID)
	}
	if !ok {
		e.log.Debug("run skipped, lease held elsewhere", logx.String("schedule", s.ID))
		return nil, ErrLeaseUnavailable
	}
	// Audit writes and the release must survive cancellation of the run context.
	bg := context.WithoutCancel(ctx)
	defer func() {
		rctx, cancel := context.WithTimeout(bg, finalizeTimeout)
		defer cancel()
		if err := e.leases.Release(rctx, s.ID, e.cfg.Owner); err != nil {
			e.log.Warn("lease release failed", logx.String("schedule", s.ID), logx.Err(err))
		}
	}()

	cur, err := e.store.GetSchedule(ctx, s.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		e.log.Debug("run skipped, schedule deleted", logx.String("schedule", s.ID))
		return nil, ErrScheduleInactive
	case err != nil:
		return nil, errors.Wrapf(err, "reload schedule %s", s.ID)
	case !cur.Enabled:
		e.log.Debug("run skipped, schedule disabled", logx.String("schedule", s.ID))
		return nil, ErrScheduleInactive
	}
	s = *cur

	// A running log seen under our lease was left by a run whose lease expired.
	n, err := e.store.FailRunning(ctx, s.ID, AbandonedMessage, e.now())
	if err != nil {
		return nil, errors.Wrapf(err, "fail abandoned runs for schedule %s", s.ID)
	}
	if n > 0 {
		e.log.Warn("failed abandoned runs", logx.String("schedule", s.ID), logx.Int64("count", n))
	}

	jl := &JobLog{
		ID:         uuid.NewString(),
		ScheduleID: s.ID,
		StartedAt:  e.now(),
		Status:     StatusRunning,
	}
	if err := e.store.InsertJobLog(ctx, jl); err != nil {
		return nil, errors.Wrapf(err, "insert job log for schedule %s", s.ID)
	}
	log := e.log.With(logx.String("schedule", s.ID), logx.String("job_log", jl.ID))
	e.publish(EventRunStarted, *jl)

	e.execute(ctx, s, jl, log)

	finished := e.now()
	if finished.Before(jl.StartedAt) {
		finished = jl.StartedAt
	}
	jl.CompletedAt = &finished
	jl.DurationMs = ptr(finished.Sub(jl.StartedAt).Milliseconds())

	wctx, cancel := context.WithTimeout(bg, finalizeTimeout)
	defer cancel()
	var werr error
	if err := e.store.CompleteJobLog(wctx, jl); err != nil {
		werr = errors.Wrapf(err, "complete job log %s", jl.ID)
	}
	// Advance even when the log write failed: failed runs retry once per interval,
	// and the next run under the lease fails the leftover running log.
	if err := e.store.MarkRun(wctx, s.ID, finished, s.Frequency.Next(finished)); err != nil {
		werr = errors.CombineErrors(werr, errors.Wrapf(err, "mark run for schedule %s", s.ID))
	}
	if werr != nil {
		log.Error("run audit write failed", logx.String("status", string(jl.Status)), logx.Err(werr))
		return jl, werr
	}

	fields := []logx.Field{logx.String("status", string(jl.Status)), logx.Int64("duration_ms", *jl.DurationMs)}
	switch jl.Status {
	case StatusFailed:
		log.Warn("run failed", append(fields, logx.String("error", deref(jl.ErrorMessage)))...)
	case StatusSkipped:
		log.Info("run skipped", append(fields, logx.String("reason", deref(jl.SkipReason)))...)
	default:
		log.Info("run completed", append(fields, logx.Bool("telegram_sent", jl.TelegramSent))...)
	}
	e.publish(EventRunFinished, *jl)
	return jl, nil
}

// execute fills jl's outcome fields. It never returns an error: every failure
// becomes a failed JobLog.
func (e *Executor) execute(ctx context.Context, s Schedule, jl *JobLog, log logx.Logger) {
	sig, err := e.analyze(ctx, s.TargetRef)
	if err != nil {
		fail(jl, errors.Wrap(err, "analysis"))
		return
	}
	jl.Action = ptr(sig.Action)
	jl.Confidence = ptr(sig.Confidence)
	if sig.AnalysisID != "" {
		jl.AnalysisID = ptr(sig.AnalysisID)
	}

	last, err := e.store.LastSignalLog(ctx, s.ID)
	if err != nil {
		fail(jl, errors.Wrap(err, "lookup previous signal"))
		return
	}
	if last != nil && last.Action != nil {
		jl.PreviousAction = ptr(*last.Action)
	}

	d := Decide(sig, jl.PreviousAction, s.Filters())
	jl.SignalChanged = d.SignalChanged
	jl.MetMinConfidence = d.MetMinConfidence
	if !d.ShouldDispatch {
		jl.Status = StatusSkipped
		jl.SkipReason = ptr(d.SkipReason)
		return
	}

	jl.Status = StatusSuccess
	if !s.SendToTelegram {
		return
	}
	e.dispatch(ctx, s, sig, d, jl, log)
}

func (e *Executor) analyze(ctx context.Context, targetRef string) (sig Signal, err error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AnalysisTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("analysis provider panic: %v", r)
		}
	}()
	sig, err = e.analysis.Analyze(actx, targetRef)
	if err != nil {
		return Signal{}, err
	}
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

// dispatch records the delivery outcome on jl. It never changes jl.Status.
func (e *Executor) dispatch(ctx context.Context, s Schedule, sig Signal, d Decision, jl *JobLog, log logx.Logger) {
	dest := e.cfg.DefaultChatID
	if s.TelegramChatID != nil && strings.TrimSpace(*s.TelegramChatID) != "" {
		dest = strings.TrimSpace(*s.TelegramChatID)
	}
	if dest == "" {
		jl.TelegramError = ptr(errNoDestination)
		return
	}
	jl.TelegramChatID = ptr(dest)
	if e.notifier == nil {
		jl.TelegramError = ptr("notifier not configured")
		return
	}

	nctx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout)
	defer cancel()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("notifier panic: %v", r)
			}
		}()
		return e.notifier.Send(nctx, dest, RenderMessage(s, sig, d, jl.PreviousAction))
	}()
	if err != nil {
		jl.TelegramError = ptr(err.Error())
		log.Warn("notification failed", logx.String("chat", dest), logx.Err(err))
		return
	}
	jl.TelegramSent = true
}

func (e *Executor) publish(typ string, jl JobLog) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: jl})
}

func fail(jl *JobLog, err error) {
	jl.Status = StatusFailed
	jl.ErrorMessage = ptr(err.Error())
	jl.ErrorStack = ptr(fmt.Sprintf("%+v", err))
	jl.TelegramSent = false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
