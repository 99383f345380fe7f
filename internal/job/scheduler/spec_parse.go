package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Error describes an invalid schedule. Parse-time validation surfaces it
// during config validation, so a bad schedule is a startup failure rather
// than a runtime one.
type Error struct {
	Spec string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("schedule %q: %v", e.Spec, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// TriggerKind describes the normalized kind of a schedule string.
//
// We intentionally keep this small: either a cron expression (robfig/cron)
// or a fixed interval re-armed relative to job completion.
type TriggerKind int

const (
	TriggerCron TriggerKind = iota
	TriggerInterval
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerCron:
		return "cron"
	case TriggerInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Trigger represents a parsed schedule string.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "30 7 * * 1-5", "@hourly"
//   - Daily wall clock: "daily:07:30" (07:30 in the scheduler timezone)
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Trigger struct {
	Kind   TriggerKind
	Cron   string
	Every  time.Duration
	Raw    string // original schedule string, kept for diagnostics
	Source string // "cron" | "daily" | "duration" | "hhmm"
}

// specParser accepts both 5-field and 6-field (with seconds) cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into a Trigger. Cron expressions
// are validated here so misconfigured schedules fail config validation
// instead of Start.
func ParseSchedule(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, &Error{Spec: raw, Err: errors.New("schedule required")}
	}

	// Prefixes (explicit)
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, &Error{Spec: raw, Err: errors.New("cron expression required after 'cron:'")}
		}
		return cronTrigger(raw, expr, "cron")
	}
	if strings.HasPrefix(low, "daily:") {
		v := strings.TrimSpace(s[len("daily:"):])
		h, m, err := parseHHMM(v)
		if err != nil {
			return Trigger{}, &Error{Spec: raw, Err: err}
		}
		return cronTrigger(raw, fmt.Sprintf("0 %d %d * * *", m, h), "daily")
	}
	if strings.HasPrefix(low, "interval:") {
		return intervalTrigger(raw, strings.TrimSpace(s[len("interval:"):]))
	}
	if strings.HasPrefix(low, "every:") {
		return intervalTrigger(raw, strings.TrimSpace(s[len("every:"):]))
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronTrigger(raw, s, "cron")
	}

	// - HH:MM => interval duration
	if reHHMM.MatchString(s) {
		d, _, err := parseHHMMDuration(s)
		if err != nil {
			return Trigger{}, &Error{Spec: raw, Err: err}
		}
		return Trigger{Kind: TriggerInterval, Every: d, Raw: raw, Source: "hhmm"}, nil
	}

	// - Go duration => interval duration
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Trigger{}, &Error{Spec: raw, Err: errors.New("interval must be > 0")}
		}
		return Trigger{Kind: TriggerInterval, Every: d, Raw: raw, Source: "duration"}, nil
	}

	return Trigger{}, &Error{
		Spec: raw,
		Err:  errors.New("use cron like '*/5 * * * *', daily:HH:MM, HH:MM, or a duration like '55m'"),
	}
}

func cronTrigger(raw, expr, source string) (Trigger, error) {
	if _, err := specParser.Parse(expr); err != nil {
		return Trigger{}, &Error{Spec: raw, Err: err}
	}
	return Trigger{Kind: TriggerCron, Cron: expr, Raw: raw, Source: source}, nil
}

func intervalTrigger(raw, v string) (Trigger, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Trigger{}, &Error{Spec: raw, Err: err}
	}
	return Trigger{Kind: TriggerInterval, Every: d, Raw: raw, Source: src}, nil
}

func (t Trigger) validate() error {
	switch t.Kind {
	case TriggerCron:
		expr := strings.TrimSpace(t.Cron)
		if expr == "" {
			return errors.New("cron expression required")
		}
		if _, err := specParser.Parse(expr); err != nil {
			return err
		}
	case TriggerInterval:
		if t.Every <= 0 {
			return errors.New("interval must be > 0")
		}
	default:
		return fmt.Errorf("unknown trigger kind %d", int(t.Kind))
	}
	return nil
}

// displaySpec is the schedule string shown in logs and snapshots.
func (t Trigger) displaySpec() string {
	if t.Raw != "" {
		return t.Raw
	}
	switch t.Kind {
	case TriggerCron:
		return "cron:" + t.Cron
	case TriggerInterval:
		return "interval:" + t.Every.String()
	default:
		return ""
	}
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, _, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", fmt.Errorf("invalid HH:MM %q", v)
	}
	// safe parse: hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm < 0 || mm > 59 {
		return 0, "", fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, "hhmm", nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
