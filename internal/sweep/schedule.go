package sweep

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed sweep schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */15 * * * *" (seconds optional), "@hourly", "@every 90s"
//   - Interval duration: "60s", "2m30s"
//   - Interval HH:MM: "00:15" (15 minutes), "01:30"
//
// Optional prefixes "cron:" and "interval:"/"every:" force a form.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses and validates a schedule string.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(s[len("every:"):])
	case strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Second {
			return ParsedSpec{}, fmt.Errorf("interval must be >= 1s")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:15', or duration like '60s')",
		raw,
	)
}

// Schedule returns the cron.Schedule for p.
func (p ParsedSpec) Schedule() (cron.Schedule, error) {
	if p.Kind == SpecInterval {
		return cron.Every(p.Every), nil
	}
	return cronParser.Parse(p.Cron)
}

func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "every " + p.Every.String()
	}
	return p.Cron
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron schedule required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '60s')", v)
	}
	if d < time.Second {
		return ParsedSpec{}, fmt.Errorf("interval must be >= 1s")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
