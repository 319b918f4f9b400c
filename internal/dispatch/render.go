package dispatch

import (
	"html"
	"strings"
	"time"

	"bangremind/internal/reminder"
)

const occurrenceLayout = "Mon 2 Jan 2006 15:04 MST"

// RenderHTML formats p as a Telegram HTML message: a header naming the
// cadence, the title linked to its URL when there is one, and the due time
// in loc (UTC when nil).
func RenderHTML(p reminder.Payload, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("🔔 <b>")
	b.WriteString(header(p))
	b.WriteString("</b>\n\n")

	title := html.EscapeString(strings.TrimSpace(p.Title))
	if u := strings.TrimSpace(p.URL); u != "" {
		b.WriteString(`<a href="`)
		b.WriteString(html.EscapeString(u))
		b.WriteString(`">`)
		b.WriteString(title)
		b.WriteString("</a>")
	} else {
		b.WriteString(title)
	}

	if !p.Occurrence.IsZero() {
		b.WriteString("\n<i>due ")
		b.WriteString(p.Occurrence.In(loc).Format(occurrenceLayout))
		b.WriteString("</i>")
	}
	return b.String()
}

func header(p reminder.Payload) string {
	if p.Kind != reminder.KindRecurring || p.Frequency == "" {
		return "Reminder"
	}
	f := p.Frequency.String()
	return strings.ToUpper(f[:1]) + f[1:] + " reminder"
}
