// Package telegram delivers operator alerts to a Telegram chat. It is the sink
// behind the logx alert writer.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "deepscrub/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int // forum topic, 0 for none
	Timeout  time.Duration

	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

// Sender posts alert text to one chat. It implements logx.AlertSender.
type Sender struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
	log    logx.Logger
}

var _ logx.AlertSender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Offline: no getMe round trip at startup and no poller; we only send.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID, log: log}, nil
}

// SendAlert sends text, split into chunks Telegram accepts.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(s.chat, chunk, &tele.SendOptions{
			ThreadID:              s.thread,
			DisableWebPagePreview: true,
		})
		if err != nil {
			s.log.Debug("telegram alert not delivered", logx.Int64("chat_id", s.chat.ID), logx.Err(err))
			return err
		}
	}
	return nil
}

const textLimit = 4000

// splitText splits long messages into chunks under limit runes, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
