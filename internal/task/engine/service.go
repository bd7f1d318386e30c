package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"chartbot/internal/eventbus"
	rtsup "chartbot/internal/runtime/supervisor"
	logx "chartbot/pkg/logx"
)

// Service is a bounded worker pool: a fixed queue drained by a fixed number
// of workers. Enqueue never blocks, so a scheduler tick can never stall on it.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	keyMu sync.Mutex
	keys  map[string]struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32
	pending  int32
	dropped  uint64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		keys: make(map[string]struct{}),
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "runpool"))),
		// a failing worker must not take the process down; it is restarted instead.
		rtsup.WithCancelOnError(false),
	)
	sup, stopCh, queue := s.sup, s.stopCh, s.q
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, 250*time.Millisecond, 10*time.Second)
	}

	s.log.Info("run pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop lets in-flight tasks finish (bounded by ctx) and stops the workers.
// Queued tasks that never started are dropped and their keys released.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.stopCh, s.sup, s.q = nil, nil, nil
	s.mu.Unlock()

	// Workers exit after their current task; running tasks are only
	// cancelled once ctx expires.
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("run pool stop timed out, cancelling in-flight tasks", logx.Err(err))
	}
	sup.Cancel()

	for {
		select {
		case qt := <-queue:
			s.finish(qt.task)
			s.onDropped(qt.task, "stopped")
		default:
			s.log.Info("run pool stopped")
			return
		}
	}
}

// Enqueue adds a task without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		seq := atomic.AddUint64(&s.idSeq, 1)
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
	}

	// s.mu is held across the send so Stop cannot drain the queue underneath us.
	s.mu.Lock()
	if s.q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if !s.acquireKey(t.Key) {
		s.mu.Unlock()
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", t.Key))
		return ErrOverlapSkip
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	atomic.AddInt32(&s.pending, 1)
	var full bool
	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
	default:
		full = true
	}
	s.mu.Unlock()

	if full {
		s.finish(t)
		s.onDropped(t, "queue_full")
		return ErrQueueFull
	}
	return nil
}

// Busy reports whether a task with key is queued or running.
func (s *Service) Busy(key string) bool {
	if key == "" {
		return false
	}
	s.keyMu.Lock()
	_, ok := s.keys[key]
	s.keyMu.Unlock()
	return ok
}

// WaitIdle blocks until no task is queued or running, or ctx is done.
func (s *Service) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if atomic.LoadInt32(&s.pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running := s.cfg, s.q, s.stopCh != nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:  running,
		Workers:  cfg.Workers,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Pending:  int(atomic.LoadInt32(&s.pending)),
		Dropped:  atomic.LoadUint64(&s.dropped),
		Timeout:  cfg.DefaultTimeout,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) acquireKey(key string) bool {
	if key == "" {
		return true
	}
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if _, busy := s.keys[key]; busy {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// finish releases the task's key and pending slot. Called exactly once per accepted task.
func (s *Service) finish(t Task) {
	if t.Key != "" {
		s.keyMu.Lock()
		delete(s.keys, t.Key)
		s.keyMu.Unlock()
	}
	atomic.AddInt32(&s.pending, -1)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) onDropped(t Task, reason string) {
	atomic.AddUint64(&s.dropped, 1)
	now := time.Now()
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: reason})
	s.publish(EventDropped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: reason})
	s.log.Warn("task dropped", logx.String("task", t.Name), logx.String("key", t.Key), logx.String("reason", reason))
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
