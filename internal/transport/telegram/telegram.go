// Package telegram adapts the Telegram Bot API to the announcement channel
// the moderation core talks to.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"modbot/internal/notify"
	logx "modbot/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token     string
	ParseMode string
}

type Channel struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

func (c *Channel) Send(ctx context.Context, m notify.Message) (notify.Ref, error) {
	chunks := splitText(m.Text, textLimit)
	chat := &tele.Chat{ID: m.Target.ChatID}

	var first notify.Ref
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			if first.MessageID != 0 {
				return first, ctx.Err()
			}
			return notify.Ref{}, ctx.Err()
		default:
		}

		opt := &tele.SendOptions{
			ParseMode:           c.cfg.ParseMode,
			ThreadID:            m.Target.ThreadID,
			DisableNotification: m.Silent,
		}
		msg, err := c.bot.Send(chat, chunk, opt)
		if err != nil {
			if first.MessageID != 0 {
				return first, err
			}
			return notify.Ref{}, err
		}
		if i == 0 {
			first = notify.Ref{ChatID: m.Target.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (c *Channel) Update(ctx context.Context, ref notify.Ref, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	// Edits are capped to one message; overflow is truncated rather than
	// spilling extra messages under a status line.
	chunks := splitText(text, textLimit)
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := c.bot.Edit(m, chunks[0], &tele.SendOptions{ParseMode: c.cfg.ParseMode})
	return err
}

func (c *Channel) Delete(ctx context.Context, ref notify.Ref) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return c.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
}

// splitText splits long messages into chunks Telegram will accept,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
