package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidTarget = errors.New("invalid chat target")

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("%d:%d", t.ChatID, t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget accepts "chat_id" or "chat_id:thread_id".
func ParseChatTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return ChatTarget{}, fmt.Errorf("%w: chat id %q", ErrInvalidTarget, chatPart)
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		thread, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || thread < 0 {
			return ChatTarget{}, fmt.Errorf("%w: thread id %q", ErrInvalidTarget, threadPart)
		}
		t.ThreadID = thread
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is an outbound operator message queued by the notifier.
type Notification struct {
	Channel  string // "telegram" or "log"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter delivers text to a chat. Implementations split long messages
// and report the first message sent.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
