package notifier

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"chartbot/internal/eventbus"
	logx "chartbot/pkg/logx"
	"chartbot/pkg/tgui"
)

// Service sends rendered messages through a Sender with rate limiting and retries.
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the configuration; the new rate applies to the next send.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers message to dest ("chatID" or "chatID:threadID").
// It returns the first chunk error after retries are exhausted.
func (s *Service) Send(ctx context.Context, dest, message string) error {
	to, err := ParseDestination(dest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return errors.New("notifier: no sender configured")
	}

	chunks := tgui.Split(message, tgui.MessageLimit, strings.EqualFold(cfg.ParseMode, "HTML"))
	for i, chunk := range chunks {
		if err := s.sendChunk(ctx, cfg, lim, sender, to, chunk); err != nil {
			err = errors.Wrapf(err, "send chunk %d/%d to %s", i+1, len(chunks), to)
			s.record(to, len(chunks), err)
			return err
		}
	}
	s.record(to, len(chunks), nil)
	return nil
}

func (s *Service) sendChunk(ctx context.Context, cfg Config, lim *rate.Limiter, sender Sender, to Target, text string) error {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return errors.Wrap(err, "rate limit wait")
		}
		err := sender.SendText(ctx, to, text, cfg.ParseMode)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > delay {
			delay = ra.RetryAfter()
		}
		s.log.Debug("notify send retry scheduled",
			logx.String("target", to.String()), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}

// History returns recent sends, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(to Target, chunks int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Target: to.String(), Chunks: chunks}
	typ := EventSent
	if err != nil {
		item.Error = err.Error()
		typ = EventFailed
	}

	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{Target: item.Target, At: now, Error: item.Error}})
	}
}

// retryDelay is the wait before attempt+1: exponential from RetryBase with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
