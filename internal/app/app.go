package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chartbot/internal/analysis"
	"chartbot/internal/automation"
	"chartbot/internal/config"
	"chartbot/internal/eventbus"
	"chartbot/internal/httpapi"
	"chartbot/internal/notifier"
	rtsup "chartbot/internal/runtime/supervisor"
	"chartbot/internal/storage"
	"chartbot/internal/task/engine"
	logx "chartbot/pkg/logx"
)

// Options select which outer surfaces New wires.
type Options struct {
	// OneShot builds the run pipeline only: no periodic tick, HTTP API, config watch or readiness notify.
	OneShot bool
}

// App owns every long-lived component and their start/stop order.
type App struct {
	opts Options
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *rtsup.Supervisor

	store storage.Store
	pool  *engine.Service
	exec  *automation.Executor
	sched *automation.Scheduler
	notif *notifier.Service
	api   *httpapi.Server
}

// OpenStore opens the configured Schedule Store; CLI management commands use it directly.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

// New builds the app from an already loaded config manager.
func New(cfgm *config.ConfigManager, opts Options) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	rt, err := mapRuntime(cfg)
	if err != nil {
		return nil, err
	}
	if opts.OneShot {
		rt.scheduler.Enabled = false
	}
	ac, err := mapAnalysis(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := analysis.NewHTTPProvider(ac, log.With(logx.String("comp", "analysis")))
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	// Without a token, dispatches are recorded as undeliverable rather than failing runs.
	var notif *notifier.Service
	var sink automation.Notifier
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := notifier.NewTelegram(notifier.TelegramConfig{
			Token:   cfg.Telegram.Token,
			APIURL:  cfg.Telegram.APIURL,
			Timeout: rt.executor.NotifyTimeout,
		})
		if err != nil {
			return closeOnErr(err)
		}
		notif = notifier.New(mapNotifier(cfg), tg, log.With(logx.String("comp", "notifier")), bus)
		sink = notif
	} else {
		appLog.Warn("telegram.token not set; notifications are disabled")
	}

	pool := engine.New(rt.engine, log.With(logx.String("comp", "pool")), bus)
	exec := automation.NewExecutor(store, store, provider, sink, rt.executor,
		automation.WithExecutorLogger(log.With(logx.String("comp", "executor"))),
		automation.WithExecutorBus(bus))
	sched, err := automation.NewScheduler(rt.scheduler, store, exec, pool,
		automation.WithSchedulerLogger(log.With(logx.String("comp", "scheduler"))),
		automation.WithSchedulerBus(bus))
	if err != nil {
		return closeOnErr(err)
	}

	a := &App{
		opts:  opts,
		cfgm:  cfgm,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		store: store,
		pool:  pool,
		exec:  exec,
		sched: sched,
		notif: notif,
	}
	if !opts.OneShot && cfg.HTTP.Enabled {
		a.api = httpapi.NewServer(httpapi.Config{
			Addr:      cfg.HTTP.ListenAddr(),
			JWTSecret: cfg.HTTP.JWTSecret,
		}, store, sched, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

func (a *App) Store() storage.Store              { return a.store }
func (a *App) Scheduler() *automation.Scheduler { return a.sched }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if n, err := a.store.RecoverAbandoned(runCtx, time.Now()); err != nil {
		a.log.Warn("abandoned run recovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Warn("marked abandoned runs as failed", logx.Int64("count", n))
	}

	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	if a.opts.OneShot {
		return nil
	}

	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			return err
		}
	}
	a.sup.Go("events.log", a.logEvents)
	a.sup.Go("config.reload", a.applyReloads)
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady(a.log)
	a.log.Info("app started", logx.String("owner", a.exec.Owner()))
	return nil
}

// TriggerAll submits every enabled schedule and waits for the runs to finish.
func (a *App) TriggerAll(ctx context.Context) (automation.TickReport, error) {
	rep, err := a.sched.TriggerAll(ctx)
	if err != nil {
		return rep, err
	}
	return rep, a.sched.WaitIdle(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		_ = a.store.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Each step gets a bounded share of ctx so one stuck component can't stall shutdown.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	if a.api != nil {
		step("api", 3*time.Second, a.api.Stop)
	}
	// Runs in flight are allowed to finish and write their JobLog.
	step("scheduler", 30*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128,
		automation.EventRunFinished, automation.EventTickFailed,
		engine.EventDropped, notifier.EventFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if jl, ok := e.Data.(automation.JobLog); ok {
				fields = append(fields,
					logx.String("schedule", jl.ScheduleID),
					logx.String("status", string(jl.Status)),
					logx.Bool("telegram_sent", jl.TelegramSent))
			}
			a.log.Debug("event", fields...)
		}
	}
}

// applyReloads applies the live-reloadable sections and flags the rest.
func (a *App) applyReloads(ctx context.Context) error {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			change := config.SummarizeConfigChange(applied, next)
			applied = next
			if len(change.Sections) == 0 {
				continue
			}

			a.logs.Apply(mapLogging(next))
			if a.notif != nil {
				a.notif.Apply(mapNotifier(next))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
			a.log.Info("config applied", fields...)
			if len(change.Restart) > 0 {
				a.log.Warn("config changes need a restart", logx.String("sections", strings.Join(change.Restart, ",")))
			}
		}
	}
}
