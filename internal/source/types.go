package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies adapter failures so callers can route on category
// (retry, re-auth, alert) instead of matching error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthExpired
	KindRateLimited
	KindNetwork
	KindTimeout
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// AdapterError is the failure type every adapter returns. Source is the
// adapter ID, Kind the failure category, Err the underlying cause.
type AdapterError struct {
	Source string
	Kind   Kind
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewError wraps err as an *AdapterError for the given source and kind.
func NewError(sourceID string, kind Kind, err error) *AdapterError {
	return &AdapterError{Source: sourceID, Kind: kind, Err: err}
}

// Errorf is NewError with a formatted cause.
func Errorf(sourceID string, kind Kind, format string, args ...any) *AdapterError {
	return &AdapterError{Source: sourceID, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify wraps a raw error as an *AdapterError, inferring the kind from
// well-known error shapes. Adapters that already return *AdapterError pass
// through unchanged.
func Classify(sourceID string, err error) *AdapterError {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	kind := KindUnknown
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindTimeout
	case errors.As(err, &nerr):
		if nerr.Timeout() {
			kind = KindTimeout
		} else {
			kind = KindNetwork
		}
	}
	return &AdapterError{Source: sourceID, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err; KindUnknown when err is not an
// *AdapterError.
func KindOf(err error) Kind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the range is non-inverted and non-zero.
func (tr TimeRange) Valid() bool {
	return !tr.Start.IsZero() && !tr.End.IsZero() && tr.Start.Before(tr.End)
}

// Day returns the local-day range [midnight, midnight+24h) containing t in loc.
func Day(t time.Time, loc *time.Location) TimeRange {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return TimeRange{Start: start, End: start.AddDate(0, 0, 1)}
}

// HealthMetrics carries per-source health readings. Fields are pointers:
// nil means the source did not report the metric, never "zero".
type HealthMetrics struct {
	SleepScore  *float64 `json:"sleep_score,omitempty"`
	SleepHours  *float64 `json:"sleep_hours,omitempty"`
	HRVms       *float64 `json:"hrv_ms,omitempty"`
	RecoveryPct *float64 `json:"recovery_pct,omitempty"`
	RestingHR   *float64 `json:"resting_hr,omitempty"`
	Strain      *float64 `json:"strain,omitempty"`
	Steps       *int64   `json:"steps,omitempty"`
}

// CalendarEvent is one normalized calendar entry. ID is the provider's
// event id, so (Source, ID) identifies an event. AllDay marks date-only
// items explicitly; a DST-shortened day makes span-based inference wrong.
// Conflicts holds events merged into or overlapping this one; it is
// populated by the calendar merger, never by adapters.
type CalendarEvent struct {
	ID        string          `json:"id,omitempty"`
	Title     string          `json:"title"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	AllDay    bool            `json:"all_day,omitempty"`
	Location  string          `json:"location,omitempty"`
	Source    string          `json:"source"`
	Conflicts []CalendarEvent `json:"conflicts,omitempty"`
}

// Task is a vault checkbox item.
type Task struct {
	Text string     `json:"text"`
	Done bool       `json:"done"`
	Due  *time.Time `json:"due,omitempty"`
	Note string     `json:"note,omitempty"`
}

// Observation carries ambient readings (weather, connectivity).
type Observation struct {
	WeatherState  string   `json:"weather_state,omitempty"`
	TempC         *float64 `json:"temp_c,omitempty"`
	DownloadMbps  *float64 `json:"download_mbps,omitempty"`
	UploadMbps    *float64 `json:"upload_mbps,omitempty"`
	PingMs        *float64 `json:"ping_ms,omitempty"`
	PacketLossPct *float64 `json:"packet_loss_pct,omitempty"`
}

// Record is one adapter's fetch result. Which payload fields are set
// depends on the adapter; unset sections stay nil/empty.
type Record struct {
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Health    *HealthMetrics  `json:"health,omitempty"`
	Events    []CalendarEvent `json:"events,omitempty"`
	Tasks     []Task          `json:"tasks,omitempty"`
	Ambient   *Observation    `json:"ambient,omitempty"`
}

// Ptr returns a pointer to v. Adapters use it to populate the optional
// metric fields.
func Ptr[T any](v T) *T { return &v }
