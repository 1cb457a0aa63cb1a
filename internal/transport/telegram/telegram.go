// Package telegram implements the transport adapter on top of telebot.
// RichMessage blocks render to HTML; thread placements map to replies inside
// forum topics.
package telegram

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notiflow/internal/message"
	"notiflow/internal/transport"
	logx "notiflow/pkg/logx"
)

type Config struct {
	Token string
	// SendTimeout bounds one API call. Default 10s.
	SendTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	// Send-only adapter: no poller to shut down.
	return nil
}

const textLimit = 4000

func (a *Adapter) SendRich(ctx context.Context, to transport.ChatTarget, msg message.Rich, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	text := renderHTML(msg)
	chunks := splitText(text, textLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				if first.ChatID != 0 {
					return first, ctx.Err()
				}
				return transport.MessageRef{}, ctx.Err()
			default:
			}
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.TopicID,
		}
		// Only the first chunk replies to the parent; the rest just follow it.
		if i == 0 && opt.ReplyTo != 0 {
			sendOpt.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: chat}
		}

		m, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			if first.ChatID != 0 {
				return first, err
			}
			return transport.MessageRef{}, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, TopicID: to.TopicID, MessageID: m.ID}
		}
	}
	return first, nil
}

// renderHTML turns the block list into Telegram HTML. Falls back to the plain
// fallback text when the digest carries no blocks.
func renderHTML(msg message.Rich) string {
	if len(msg.Blocks) == 0 {
		return html.EscapeString(msg.Fallback)
	}
	parts := make([]string, 0, len(msg.Blocks))
	for _, b := range msg.Blocks {
		t := html.EscapeString(b.Text)
		switch b.Type {
		case message.BlockHeader:
			parts = append(parts, "<b>"+t+"</b>")
		case message.BlockContext:
			parts = append(parts, "<i>"+t+"</i>")
		default:
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// splitText splits long messages into chunks that are safe to send, preferring
// newline boundaries and avoiding a split inside an HTML tag.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
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
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Don't split inside a tag.
		if end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
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
