package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	kit "bangremind/internal/transport"
	logx "bangremind/pkg/logx"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 0, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")

	chunks := splitTelegramText(text, 70, "")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d: %q", len(chunks), chunks)
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > 70 {
			t.Fatalf("chunk too long: %d", utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has edge newline: %q", c)
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Fatal("newline split lost content")
	}
}

func TestSplitTelegramTextCountsRunes(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("é", 4500)
	chunks := splitTelegramText(text, telegramTextLimit, "")
	if len(chunks) != 2 || utf8.RuneCountInString(chunks[0]) != telegramTextLimit {
		t.Fatalf("unexpected split: %d chunks", len(chunks))
	}
	if !utf8.ValidString(chunks[0]) || !utf8.ValidString(chunks[1]) {
		t.Fatal("split produced invalid utf8")
	}
}

func TestSplitTelegramTextAvoidsTags(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 15) + `<a href="https://example.com">link</a>`
	chunks := splitTelegramText(text, 20, "HTML")
	if len(chunks) < 2 {
		t.Fatalf("expected a split, got %q", chunks)
	}
	if chunks[0] != strings.Repeat("x", 15) {
		t.Fatalf("first chunk cut inside a tag: %q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "<a ") {
		t.Fatalf("second chunk should start at the tag: %q", chunks[1])
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSendTextRejectsZeroTarget(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendText(context.Background(), kit.ChatTarget{}, "x", nil); !errors.Is(err, kit.ErrInvalidTarget) {
		t.Fatalf("err = %v", err)
	}
}
