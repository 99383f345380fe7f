package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"daybrief/internal/config"
	"daybrief/pkg/logx"
)

const telegramTextLimit = 4000

// Telegram delivers artifacts to a single chat. The bot is send-only:
// no poller is started and no updates are consumed.
type Telegram struct {
	cfg config.TelegramSink
	log logx.Logger
	bot *tele.Bot
}

// NewTelegram builds the sink and verifies the token against the API.
func NewTelegram(cfg config.TelegramSink, log logx.Logger) (*Telegram, error) {
	return newTelegramBot(cfg, log, tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
}

func newTelegramBot(cfg config.TelegramSink, log logx.Logger, settings tele.Settings) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		cfg: cfg,
		log: log.With(logx.String("component", "sink.telegram")),
		bot: b,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Deliver sends the artifact body as Markdown, split into chunks that fit
// Telegram's message limit.
func (t *Telegram) Deliver(ctx context.Context, a Artifact) error {
	text := a.Body
	if strings.TrimSpace(text) == "" {
		text = a.Title
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return t.send(ctx, text, true)
}

// SendAlert implements logx.AlertSender. Alert lines are raw log text, so
// they go out without a parse mode.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	return t.send(ctx, text, false)
}

func (t *Telegram) send(ctx context.Context, text string, markdown bool) error {
	chat := &tele.Chat{ID: t.cfg.ChatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              t.cfg.ThreadID,
		}
		if markdown {
			opt.ParseMode = tele.ModeMarkdown
		}
		_, err := t.bot.Send(chat, chunk, opt)
		if err != nil && markdown && isParseError(err) {
			// Composed text can contain user data (event titles, task text)
			// with stray markup characters. Plain text always goes through.
			t.log.Debug("markdown rejected, retrying plain", logx.Err(err))
			opt.ParseMode = ""
			_, err = t.bot.Send(chat, chunk, opt)
		}
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func isParseError(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == 400 && strings.Contains(strings.ToLower(te.Description), "parse")
	}
	// Entity errors carry a dynamic byte offset in the description, so
	// telebot surfaces them as plain errors instead of a catalog *Error.
	return strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

// splitTelegramText splits long messages into chunks that are safe to send
// to Telegram, preferring newline boundaries near the end of each window.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
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
					}
					break
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
