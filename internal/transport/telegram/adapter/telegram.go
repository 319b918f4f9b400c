package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "bangremind/internal/transport"
	logx "bangremind/pkg/logx"
)

type Config struct {
	Token       string
	APIURL      string // empty means api.telegram.org
	SendTimeout time.Duration
}

// Adapter is a send-only Telegram transport. It never polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot

	runMu    sync.Mutex
	running  bool
	username string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}, nil
}

// Start probes the token with getMe. A failed probe is logged, not fatal.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true

	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := a.bot.Raw("getMe", nil)
	if err != nil {
		a.log.Warn("telegram getMe failed", logx.Err(err))
		return nil
	}
	var resp struct {
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err == nil {
		a.username = resp.Result.Username
	}
	a.log.Info("telegram ready", logx.String("bot", a.username))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	a.running = false
	a.runMu.Unlock()
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
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
		end := min(start+limit, len(rs))

		if end < len(rs) {
			if cut := newlineCut(rs, start, end, limit); cut != -1 {
				end = cut
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			end = avoidTagSplit(rs, start, end)
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// newlineCut returns the index just past the last newline in rs[start:end]
// that leaves a chunk of at least limit/3 runes, or -1.
func newlineCut(rs []rune, start, end, limit int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= limit/3 {
			return i + 1
		}
	}
	return -1
}

// avoidTagSplit moves end back to the start of a dangling "<...".
func avoidTagSplit(rs []rune, start, end int) int {
	lastOpen, lastClose := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose && lastOpen > start+1 {
		return lastOpen
	}
	return end
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if to.IsZero() {
		return kit.MessageRef{}, kit.ErrInvalidTarget
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}

		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
