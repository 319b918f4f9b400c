package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	l.With(Int("n", 1)).Error("dropped", Err(errors.New("boom")))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "sweep"))
	due := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	l.Debug("reminder fired", Int64("reminder_id", 7), TimePtr("next_due", &due), TimePtr("prev", nil))

	out := buf.String()
	for _, want := range []string{"reminder fired", "comp=sweep", "reminder_id=7", "next_due="} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "app.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })
	svc.stdout = &bytes.Buffer{}

	log.Debug("below level")
	log.Info("sweep finished", Int("claimed", 3))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(b), "below level") {
		t.Fatalf("debug line written at info level: %s", b)
	}
	if !strings.Contains(string(b), `"claimed":3`) {
		t.Fatalf("expected JSON line with claimed=3, got %s", b)
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("derived logger should follow Apply level change")
	}
}
