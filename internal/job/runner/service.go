package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"daybrief/internal/eventbus"
	"daybrief/internal/storage"
	logx "daybrief/pkg/logx"

	rtsup "daybrief/internal/runtime/supervisor"
)

const (
	warnThrottleEvery = 5 * time.Second
	storeWriteTimeout = 5 * time.Second
)

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	q chan queuedJob

	inFlight int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	doneMu   sync.Mutex
	doneHook func(jobID string)

	hmu     sync.Mutex
	history []Run

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedJob struct {
	job  Job
	opts Options

	enqueuedAt time.Time
	state      *RunState
}

// New builds a runner. store may be nil (persistence disabled); the
// in-memory run ring is always kept.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		store:  store,
		states: make(map[string]*RunState),
	}
}

// SetDoneHook installs the callback invoked after a fire fully completes
// (all attempts done, stale-dropped, or cancelled). The scheduler uses it
// to re-arm interval jobs relative to completion.
func (s *Service) SetDoneHook(fn func(jobID string)) {
	s.doneMu.Lock()
	s.doneHook = fn
	s.doneMu.Unlock()
}

func (s *Service) fireDone(jobID string) {
	s.doneMu.Lock()
	fn := s.doneHook
	s.doneMu.Unlock()
	if fn != nil {
		fn(jobID)
	}
}

// Supervisor returns the runner's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply updates the runner configuration on hot reload. If pool sizing
// changed, the workers are restarted; queued fires are dropped with the
// old queue (the scheduler re-arms the affected jobs).
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		// Re-check after wait.
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers

	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Runner failures should not hard-kill the app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("job runner started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		q := s.q
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		if q != nil {
			s.drainQueue(q)
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("job runner stopped")
	case <-ctx.Done():
		s.log.Warn("job runner stop timed out", logx.Any("err", ctx.Err()))
	}
}

// drainQueue drops the fires still queued when the workers stopped. Each
// drop releases the overlap gate and runs the completion hook; without that
// a restarted runner would report ErrDuplicate for the job forever and its
// interval trigger would never re-arm.
func (s *Service) drainQueue(q chan queuedJob) {
	for {
		select {
		case qj := <-q:
			atomic.AddUint64(&s.dropped, 1)
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDropped, Time: time.Now(), Data: JobEvent{JobID: qj.job.ID, Started: qj.enqueuedAt, Error: "runner_stopped"}})
			}
			if !s.log.IsZero() {
				s.log.Debug("job dropped: runner stopped", logx.String("job", qj.job.ID))
			}
			if qj.state != nil {
				qj.state.release()
			}
			s.fireDone(qj.job.ID)
		default:
			return
		}
	}
}

// CancelAll cancels every in-flight attempt. Used during shutdown to cut
// retries and slow handlers short before Stop drains.
func (s *Service) CancelAll() {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}
}

// Enqueue accepts one fire of a job without blocking.
//
// It returns ErrDuplicate when the job is already queued or running and
// ErrQueueFull when the queue is saturated (the fire is dropped).
func (s *Service) Enqueue(job Job, opts Options) error {
	if job.Handler == nil {
		return fmt.Errorf("job Handler is nil")
	}
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return fmt.Errorf("job ID is required")
	}
	job.ID = id

	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	log := s.log
	bus := s.bus
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	opts = opts.withDefaults(cfg)

	st := s.stateFor(job.ID)
	if !st.tryAcquire() {
		if bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.TypeJobSkipped, Time: now, Data: JobEvent{JobID: job.ID, Started: now, Error: "overlap_skip"}})
		}
		if !log.IsZero() {
			log.Debug("job skipped due to overlap", logx.String("job", job.ID))
		}
		return ErrDuplicate
	}

	qj := queuedJob{job: job, opts: opts, enqueuedAt: now, state: st}

	select {
	case q <- qj:
		return nil
	default:
		st.release()
		s.onQueueFullDropped(now, job, q, log, bus)
		return ErrQueueFull
	}
}

// History returns the most recent runs for a job, newest first.
// When persistence is on it reads from the store so history survives
// restarts; the in-memory ring is the fallback.
func (s *Service) History(jobID string, n int) []Run {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		rows, err := store.RecentRuns(ctx, jobID, n)
		cancel()
		if err == nil {
			out := make([]Run, 0, len(rows))
			for _, row := range rows {
				out = append(out, fromStorageRun(row))
			}
			return out
		}
		s.log.Debug("run history read failed; using memory ring", logx.String("job", jobID), logx.Any("err", err))
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	var out []Run
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		if s.history[i].JobID == jobID {
			out = append(out, s.history[i])
		}
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql := 0
	qc := 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	return Snapshot{
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
	}
}

func (s *Service) stateFor(jobID string) *RunState {
	s.stateMu.Lock()
	st := s.states[jobID]
	if st == nil {
		st = &RunState{}
		s.states[jobID] = st
	}
	s.stateMu.Unlock()
	return st
}

// appendRun records one attempt in the memory ring and, when persistence
// is on, in the store. Store failures never fail the attempt.
func (s *Service) appendRun(r Run) {
	s.mu.Lock()
	histSize := s.cfg.HistorySize
	store := s.store
	s.mu.Unlock()
	if histSize <= 0 {
		histSize = 200
	}

	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > histSize {
		s.history = s.history[len(s.history)-histSize:]
	}
	s.hmu.Unlock()

	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := store.AppendRun(ctx, toStorageRun(r)); err != nil {
		s.log.Warn("run record persist failed", logx.String("job", r.JobID), logx.Int("attempt", r.Attempt), logx.Any("err", err))
	}
}

func toStorageRun(r Run) storage.JobRun {
	return storage.JobRun{
		JobID:     r.JobID,
		Attempt:   r.Attempt,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Outcome:   r.Outcome.String(),
		Failed:    r.Failed,
		Reason:    r.Reason,
	}
}

func fromStorageRun(r storage.JobRun) Run {
	return Run{
		JobID:     r.JobID,
		Attempt:   r.Attempt,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Outcome:   ParseOutcome(r.Outcome),
		Failed:    r.Failed,
		Reason:    r.Reason,
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, job Job, q chan queuedJob, log logx.Logger, bus eventbus.Bus) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)

	if bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.TypeJobDropped, Time: now, Data: JobEvent{JobID: job.ID, Started: now, Error: "queue_full"}})
	}

	if !log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		ql := 0
		qc := 0
		if q != nil {
			ql = len(q)
			qc = cap(q)
		}
		log.Warn(
			"job dropped: queue full",
			logx.String("job", job.ID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, job Job, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDropped, Time: now, Data: JobEvent{JobID: job.ID, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"}})
	}

	if !s.log.IsZero() && s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"job dropped: stale queue",
			logx.String("job", job.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}
