package sink

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"daybrief/internal/merge"
	"daybrief/internal/source"
)

// RenderBriefing turns a composed briefing into a channel-agnostic artifact.
// Sections with no data are omitted; times are formatted in loc.
func RenderBriefing(b merge.Briefing, loc *time.Location) Artifact {
	if loc == nil {
		loc = time.Local
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Daily Briefing* for %s\n", b.Date.Format("Monday, Jan 2"))

	if lines := healthLines(b.Health); len(lines) > 0 {
		sb.WriteString("\n*Health*\n")
		for _, l := range lines {
			sb.WriteString(l + "\n")
		}
	}

	if len(b.Calendar) > 0 {
		sb.WriteString("\n*Calendar*\n")
		for _, ev := range b.Calendar {
			sb.WriteString(eventLine(ev, loc) + "\n")
		}
	}

	if len(b.Tasks) > 0 {
		sb.WriteString("\n*Tasks*\n")
		for _, t := range b.Tasks {
			// Plain bullets on purpose: this body is appended to the vault
			// daily note, and checkbox syntax there would be scooped up as
			// new tasks by the next vault scan.
			if t.Done {
				sb.WriteString("- " + t.Text + " (done)\n")
			} else {
				sb.WriteString("- " + t.Text + "\n")
			}
		}
	}

	if lines := ambientLines(b.Ambient); len(lines) > 0 {
		sb.WriteString("\n*Ambient*\n")
		for _, l := range lines {
			sb.WriteString(l + "\n")
		}
	}

	if len(b.Notes) > 0 {
		sb.WriteString("\n*Notes*\n")
		for _, n := range b.Notes {
			sb.WriteString("- " + n + "\n")
		}
	}

	return Artifact{
		Kind:  "briefing",
		Title: "Daily Briefing",
		Body:  strings.TrimRight(sb.String(), "\n"),
		Voice: briefingVoice(b, loc),
		Meta:  map[string]string{"date": b.Date.Format("2006-01-02")},
	}
}

// RenderReflection produces the evening prompt: task counts for today and a
// look at tomorrow's calendar. b.Calendar is expected to hold tomorrow's
// events; b.Tasks and b.Health today's state.
func RenderReflection(b merge.Briefing, loc *time.Location) Artifact {
	if loc == nil {
		loc = time.Local
	}
	done, open := 0, 0
	for _, t := range b.Tasks {
		if t.Done {
			done++
		} else {
			open++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*Evening Reflection* for %s\n", b.Date.Format("Monday, Jan 2"))
	fmt.Fprintf(&sb, "\nTasks: %d done, %d open.\n", done, open)

	if lines := healthLines(b.Health); len(lines) > 0 {
		sb.WriteString("\n*Today's health*\n")
		for _, l := range lines {
			sb.WriteString(l + "\n")
		}
	}

	sb.WriteString("\n*Tomorrow*\n")
	if len(b.Calendar) == 0 {
		sb.WriteString("No events scheduled.\n")
	} else {
		first := b.Calendar[0]
		sb.WriteString("First event: " + eventLine(first, loc) + "\n")
		if rest := len(b.Calendar) - 1; rest > 0 {
			fmt.Fprintf(&sb, "%d more after that.\n", rest)
		}
	}
	if len(b.Notes) > 0 {
		sb.WriteString("\n*Notes*\n")
		for _, n := range b.Notes {
			sb.WriteString("- " + n + "\n")
		}
	}

	sb.WriteString("\nWhat would make tomorrow better?")

	voice := fmt.Sprintf("Tasks today: %d done, %d open.", done, open)
	if len(b.Calendar) > 0 {
		voice += " " + voiceEvent("Tomorrow starts with", b.Calendar[0], loc)
	}

	return Artifact{
		Kind:  "reflection",
		Title: "Evening Reflection",
		Body:  sb.String(),
		Voice: voice,
		Meta:  map[string]string{"date": b.Date.Format("2006-01-02")},
	}
}

// RenderAlert wraps an already-worded alert. rule identifies the trigger
// for dedup and routing.
func RenderAlert(rule, body, voice string) Artifact {
	title := "Alert"
	if rule != "" {
		title = "Alert: " + rule
	}
	return Artifact{
		Kind:  "alert",
		Title: title,
		Body:  body,
		Voice: voice,
		Meta:  map[string]string{"rule": rule},
	}
}

func healthLines(h *merge.HealthSnapshot) []string {
	if h == nil {
		return nil
	}
	var lines []string
	switch {
	case h.SleepHours != nil && h.SleepScore != nil:
		lines = append(lines, fmt.Sprintf("Sleep: %.1f h (score %s)", *h.SleepHours, num(*h.SleepScore)))
	case h.SleepHours != nil:
		lines = append(lines, fmt.Sprintf("Sleep: %.1f h", *h.SleepHours))
	case h.SleepScore != nil:
		lines = append(lines, "Sleep score: "+num(*h.SleepScore))
	}
	if h.RecoveryPct != nil {
		lines = append(lines, "Recovery: "+num(*h.RecoveryPct)+"%")
	}
	if h.HRVms != nil {
		lines = append(lines, "HRV: "+num(*h.HRVms)+" ms")
	}
	if h.RestingHR != nil {
		lines = append(lines, "Resting HR: "+num(*h.RestingHR)+" bpm")
	}
	if h.Strain != nil {
		lines = append(lines, "Strain: "+num(*h.Strain))
	}
	if h.Steps != nil {
		lines = append(lines, fmt.Sprintf("Steps: %d", *h.Steps))
	}
	return lines
}

func ambientLines(o *source.Observation) []string {
	if o == nil {
		return nil
	}
	var lines []string
	if o.WeatherState != "" || o.TempC != nil {
		l := "Weather: " + o.WeatherState
		if o.WeatherState == "" {
			l = "Weather:"
		}
		if o.TempC != nil {
			l += ", " + num(*o.TempC) + "°C"
		}
		lines = append(lines, l)
	}
	var net []string
	if o.DownloadMbps != nil {
		net = append(net, fmt.Sprintf("%.0f Mbps down", *o.DownloadMbps))
	}
	if o.UploadMbps != nil {
		net = append(net, fmt.Sprintf("%.0f Mbps up", *o.UploadMbps))
	}
	if o.PingMs != nil {
		net = append(net, "ping "+num(*o.PingMs)+" ms")
	}
	if o.PacketLossPct != nil {
		net = append(net, "loss "+num(*o.PacketLossPct)+"%")
	}
	if len(net) > 0 {
		lines = append(lines, "Network: "+strings.Join(net, ", "))
	}
	return lines
}

func eventLine(ev source.CalendarEvent, loc *time.Location) string {
	start := ev.Start.In(loc)
	end := ev.End.In(loc)
	var line string
	if allDay(ev) {
		line = "All day: " + ev.Title
	} else {
		line = start.Format("15:04") + "-" + end.Format("15:04") + " " + ev.Title
	}
	if ev.Location != "" {
		line += " (" + ev.Location + ")"
	}
	if n := len(ev.Conflicts); n == 1 {
		line += " [overlaps " + ev.Conflicts[0].Title + "]"
	} else if n > 1 {
		line += fmt.Sprintf(" [overlaps %d events]", n)
	}
	return line
}

// allDay trusts the adapter flag; the span fallback covers events built
// by hand (tests, vault notes) that never went through an adapter.
func allDay(ev source.CalendarEvent) bool {
	return ev.AllDay || ev.End.Sub(ev.Start) >= 24*time.Hour
}

func briefingVoice(b merge.Briefing, loc *time.Location) string {
	parts := []string{"Good morning."}
	if h := b.Health; h != nil {
		switch {
		case h.RecoveryPct != nil:
			parts = append(parts, "Recovery "+num(*h.RecoveryPct)+" percent.")
		case h.SleepHours != nil:
			parts = append(parts, fmt.Sprintf("You slept %.1f hours.", *h.SleepHours))
		}
	}
	switch n := len(b.Calendar); {
	case n == 0:
		parts = append(parts, "No events today.")
	case n == 1:
		parts = append(parts, voiceEvent("One event today:", b.Calendar[0], loc))
	default:
		parts = append(parts, voiceEvent(fmt.Sprintf("%d events today, first:", n), b.Calendar[0], loc))
	}
	switch open := openTasks(b.Tasks); {
	case open == 1:
		parts = append(parts, "1 open task.")
	case open > 1:
		parts = append(parts, fmt.Sprintf("%d open tasks.", open))
	}
	return strings.Join(parts, " ")
}

func voiceEvent(prefix string, ev source.CalendarEvent, loc *time.Location) string {
	if allDay(ev) {
		return prefix + " " + ev.Title + ", all day."
	}
	return prefix + " " + ev.Title + " at " + ev.Start.In(loc).Format("15:04") + "."
}

func openTasks(tasks []source.Task) int {
	n := 0
	for _, t := range tasks {
		if !t.Done {
			n++
		}
	}
	return n
}

// num renders a float without trailing zeros (61 not 61.0, 38.5 stays 38.5).
func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
