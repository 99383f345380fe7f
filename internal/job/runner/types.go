package runner

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Config controls the job runner pool.
//
// The app layer maps config.runner into this struct; zero fields take the
// documented defaults in New.
type Config struct {
	Workers   int
	QueueSize int

	// HistorySize bounds the in-memory run ring (all jobs combined).
	HistorySize int

	// DefaultTimeout is used when Options.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops fires that have been queued longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 2 * time.Minute
	}
	return c
}

// Options are per-job overrides of the runner defaults.
type Options struct {
	Timeout time.Duration

	// MaxAttempts counts total attempts, not retries; minimum 1.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Jitter        float64 // 0.2 = 20%

	// FailureTolerance is the number of per-source failures a fetch job may
	// report and still end as a partial success instead of retrying.
	FailureTolerance int
}

func (o Options) withDefaults(cfg Config) Options {
	if o.Timeout <= 0 {
		o.Timeout = cfg.DefaultTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	if o.FailureTolerance < 0 {
		o.FailureTolerance = 0
	}
	return o
}

// RunContext is passed to handlers alongside the attempt context.
type RunContext struct {
	JobID    string
	Attempt  int
	FiredAt  time.Time
	Channels []string
}

// Report is what a handler says about an attempt that returned nil error.
//
// Failed lists the source IDs that failed during the attempt (empty for
// jobs that do not fetch). Required marks any failure as fatal to the
// attempt regardless of tolerance.
type Report struct {
	Failed   []string
	Required bool
}

// Handler executes one job attempt.
type Handler func(ctx context.Context, rctx RunContext) (Report, error)

// Job is a unit of scheduled work.
type Job struct {
	ID       string
	Handler  Handler
	Channels []string
}

// Outcome classifies a finished attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartial
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ParseOutcome maps a stored outcome string back to its enum value.
// Unrecognized strings map to OutcomeFailure.
func ParseOutcome(s string) Outcome {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return OutcomeSuccess
	case "partial":
		return OutcomePartial
	default:
		return OutcomeFailure
	}
}

// Run records one attempt. Records are immutable once appended.
type Run struct {
	JobID     string
	Attempt   int
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   Outcome
	Failed    []string
	Reason    string
}

// RunState tracks whether a job is already queued or in-flight.
// Acquiring at enqueue time prevents queue blow-ups when a schedule
// triggers faster than execution.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	JobID      string        `json:"job_id"`
	Attempt    int           `json:"attempt"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome,omitempty"`
	Failed     []string      `json:"failed,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
}
