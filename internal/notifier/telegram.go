package notifier

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted Bot API servers, tests).
	APIURL  string
	Timeout time.Duration
}

// Telegram is a send-only Sender backed by telebot. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimSpace(cfg.APIURL),
		Client: &http.Client{Timeout: timeout},
		// Skip the getMe round-trip at startup; the first send surfaces bad tokens.
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) SendText(ctx context.Context, to Target, text, parseMode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	}

	// telebot has no context support; the HTTP client timeout bounds the goroutine.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, opt)
		done <- err
	}()
	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

type floodError struct {
	error
	wait time.Duration
}

func (e floodError) RetryAfter() time.Duration { return e.wait }
func (e floodError) Unwrap() error             { return e.error }

// classify maps Bot API failures onto retry semantics: 429 carries a wait,
// 400 and 403 (bad chat, blocked bot, malformed HTML) are permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return floodError{error: err, wait: time.Duration(secs) * time.Second}
	}
	if strings.HasSuffix(msg, "(400)") || strings.HasSuffix(msg, "(403)") {
		return Permanent(err)
	}
	return err
}
