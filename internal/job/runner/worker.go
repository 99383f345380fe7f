package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"daybrief/internal/eventbus"
	logx "daybrief/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				// Queue is not expected to close in normal operation, but handle it defensively.
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qj, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qj.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qj.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// Completion hook runs after the overlap gate is released so an
	// immediate re-arm can enqueue again.
	defer s.fireDone(qj.job.ID)
	if qj.state != nil {
		defer qj.state.release()
	}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qj.job, queueDelay)
		return
	}

	s.log.Debug("job.started", logx.String("job", qj.job.ID), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Time: start, Data: JobEvent{JobID: qj.job.ID, Started: start, QueueDelay: queueDelay}})
	}

	opts := qj.opts
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	rctx := RunContext{JobID: qj.job.ID, FiredAt: qj.enqueuedAt, Channels: qj.job.Channels}

	var (
		final    Run
		attempts int
	)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		rctx.Attempt = attempt
		attemptStart := time.Now()

		runCtx := ctx
		var cancel func()
		if opts.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		var (
			report Report
			err    error
		)
		// Guard against handler panics: convert to error so one bad job can't
		// crash the daemon or permanently kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("job.panic", logx.String("job", qj.job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			report, err = qj.job.Handler(runCtx, rctx)
		}()
		if cancel != nil {
			cancel()
		}

		// Handlers can mark failures as non-retryable.
		noRetry := false
		if err != nil {
			var nr noRetryError
			if errors.As(err, &nr) {
				err = nr.err
				noRetry = true
			}
		}

		final = classify(qj.job.ID, attempt, attemptStart, report, err, opts.FailureTolerance)
		if ctx.Err() != nil && final.Outcome == OutcomeFailure {
			// Shutdown or aggregate cancel, not a per-attempt timeout.
			final.Reason = "cancelled"
		}
		s.appendRun(final)

		if final.Outcome != OutcomeFailure {
			break
		}
		if noRetry || ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		retryErr := err
		if retryErr == nil {
			retryErr = errors.New(final.Reason)
		}
		delay := backoffDelayWithHint(opts, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("job retry scheduled", logx.String("job", qj.job.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", retryErr))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				break attemptLoop
			case <-stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	if final.Outcome == OutcomeFailure {
		s.log.Warn("job.failed",
			logx.String("job", qj.job.ID),
			logx.String("reason", final.Reason),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Time: time.Now(), Data: JobEvent{
				JobID: qj.job.ID, Attempt: attempts, Started: start, QueueDelay: queueDelay, Duration: dur,
				Outcome: final.Outcome.String(), Failed: final.Failed, Error: final.Reason,
			}})
		}
		return
	}

	if dur >= 750*time.Millisecond {
		s.log.Info("job.completed", logx.String("job", qj.job.ID), logx.String("outcome", final.Outcome.String()), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		s.log.Debug("job.completed", logx.String("job", qj.job.ID), logx.String("outcome", final.Outcome.String()), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: time.Now(), Data: JobEvent{
			JobID: qj.job.ID, Attempt: attempts, Started: start, QueueDelay: queueDelay, Duration: dur,
			Outcome: final.Outcome.String(), Failed: final.Failed,
		}})
	}
}

// classify turns one attempt's handler result into a Run record.
//
// A nil error with failures inside tolerance is a partial success: the
// degraded result stands and no retry happens. Anything past tolerance,
// a Required report with failures, or a handler error is a failure.
func classify(jobID string, attempt int, startedAt time.Time, report Report, err error, tolerance int) Run {
	run := Run{
		JobID:     jobID,
		Attempt:   attempt,
		StartedAt: startedAt,
		EndedAt:   time.Now(),
	}
	if len(report.Failed) > 0 {
		run.Failed = append([]string(nil), report.Failed...)
	}

	switch {
	case err != nil:
		run.Outcome = OutcomeFailure
		run.Reason = err.Error()
	case len(report.Failed) == 0:
		run.Outcome = OutcomeSuccess
	case !report.Required && len(report.Failed) <= tolerance:
		run.Outcome = OutcomePartial
	default:
		run.Outcome = OutcomeFailure
		run.Reason = "partial failure exceeded tolerance"
	}
	return run
}

func backoffDelayWithHint(opts Options, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the handler.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := opts.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		if d > maxD {
			d = maxD
		}
		// Apply the configured jitter on top of the hint to avoid thundering herds.
		j := opts.Jitter
		if j <= 0 {
			j = 0.2
		}
		if j > 0 && d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}
	return backoffDelay(opts, retry, rng)
}

func backoffDelay(opts Options, retry int, rng *rand.Rand) time.Duration {
	base := opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opts.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opts.Jitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
