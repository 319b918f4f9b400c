package transport

import (
	"context"
	"sync/atomic"

	logx "bangremind/pkg/logx"
)

// LogAdapter writes outbound messages to the log instead of a chat.
// It is used when no telegram token is configured.
type LogAdapter struct {
	log  logx.Logger
	next atomic.Int64
}

func NewLogAdapter(log logx.Logger) *LogAdapter {
	return &LogAdapter{log: log.With(logx.String("comp", "transport.log"))}
}

func (a *LogAdapter) Start(ctx context.Context) error { return nil }
func (a *LogAdapter) Stop(ctx context.Context) error  { return nil }

func (a *LogAdapter) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	id := int(a.next.Add(1))
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	a.log.Info("message",
		logx.String("to", to.String()),
		logx.String("parse_mode", parseMode),
		logx.String("text", text),
	)
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
