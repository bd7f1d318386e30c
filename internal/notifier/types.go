package notifier

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrBadDestination = errors.New("notifier: bad destination")

const (
	EventSent   = "notify.sent"
	EventFailed = "notify.failed"
)

type Config struct {
	RatePerSec    int
	ParseMode     string // HTML by default
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if strings.TrimSpace(c.ParseMode) == "" {
		c.ParseMode = "HTML"
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// Target is a parsed destination.
type Target struct {
	ChatID   int64
	ThreadID int
}

func (t Target) String() string {
	if t.ThreadID == 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
}

// ParseDestination parses "chatID" or "chatID:threadID".
func ParseDestination(dest string) (Target, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return Target{}, errors.Wrap(ErrBadDestination, "empty")
	}
	chatPart, threadPart, hasThread := strings.Cut(dest, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return Target{}, errors.Wrapf(ErrBadDestination, "chat id %q", chatPart)
	}
	t := Target{ChatID: chatID}
	if hasThread {
		thread, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || thread < 0 {
			return Target{}, errors.Wrapf(ErrBadDestination, "thread id %q", threadPart)
		}
		t.ThreadID = thread
	}
	return t, nil
}

// Sender is the transport. Implementations send one chunk.
type Sender interface {
	SendText(ctx context.Context, to Target, text, parseMode string) error
}

// RetryAfterError is implemented by transport errors that carry a server-mandated wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Target string    `json:"target"`
	Chunks int       `json:"chunks"`
	Error  string    `json:"error,omitempty"`
}

// NotificationEvent is published on the event bus after each Send.
type NotificationEvent struct {
	Target string    `json:"target"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
