package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "daybrief/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		parser:  specParser,
		entries: map[string]*entry{},
	}
}

// Apply updates the config. A timezone change restarts cron triggering with
// the new location; interval timers do not depend on location and keep
// running untouched.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start arms every enabled job: cron jobs register with the cron runner,
// interval jobs get a one-shot timer at interval plus a small startup spread.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved for context-driven stop policies

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	armed := 0
	for _, name := range s.order {
		e := s.entries[name]
		if e == nil || !e.job.Enabled {
			continue
		}
		if err := s.armLocked(e, true); err != nil {
			s.log.Error("trigger register failed",
				logx.String("job", name), logx.String("spec", e.job.Trigger.displaySpec()), logx.Any("err", err))
			continue
		}
		armed++
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.entries)), logx.Int("armed", armed))
}

// Stop halts all triggering. Job definitions remain for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		s.disarmLocked(e)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// restartLocked rebuilds the cron runner in the current timezone and
// re-registers enabled cron jobs. The old runner is stopped without waiting:
// a fire callback may call back into the scheduler (JobDone), and draining
// here would deadlock against mu.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	rearmed := 0
	for _, name := range s.order {
		e := s.entries[name]
		if e == nil || e.job.Trigger.Kind != TriggerCron {
			continue
		}
		e.entryID = 0
		if !e.job.Enabled {
			continue
		}
		if err := s.addCronLocked(e); err != nil {
			s.log.Error("trigger register failed",
				logx.String("job", name), logx.String("spec", e.job.Trigger.displaySpec()), logx.Any("err", err))
			continue
		}
		rearmed++
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("cron_jobs", rearmed))
}

// armLocked arms an enabled job. Interval jobs armed at Start (or re-Add)
// carry a startup spread so jobs sharing an interval do not fire in the same
// instant; Enable and JobDone arm at the exact interval.
func (s *Service) armLocked(e *entry, spread bool) error {
	switch e.job.Trigger.Kind {
	case TriggerCron:
		return s.addCronLocked(e)
	default:
		delay := e.job.Trigger.Every
		if spread {
			delay += startupSpread(e.job.Trigger.Every, e.job.Name)
		}
		s.armIntervalLocked(e, delay)
		return nil
	}
}

// addCronLocked registers e with the running cron. The fire callback takes
// no locks: it may run concurrently with a restart that holds mu.
func (s *Service) addCronLocked(e *entry) error {
	eid, err := s.c.AddJob(e.job.Trigger.Cron, cron.FuncJob(func() {
		e.lastFire.Store(time.Now().UnixNano())
		e.fire()
	}))
	if err != nil {
		return err
	}
	e.entryID = eid
	return nil
}

func (s *Service) armIntervalLocked(e *entry, delay time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	e.version++
	ver := e.version
	name := e.job.Name
	e.nextAt = time.Now().Add(delay)
	e.timer = time.AfterFunc(delay, func() { s.intervalFire(name, ver) })
}

// intervalFire runs on the timer goroutine. The version check discards
// callbacks from timers that were stopped or replaced after firing. No
// re-arm happens here: the next timer comes from JobDone, so the cadence is
// completion-relative.
func (s *Service) intervalFire(name string, ver uint64) {
	s.mu.Lock()
	e := s.entries[name]
	if e == nil || e.version != ver || !e.job.Enabled || s.c == nil {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	e.nextAt = time.Time{}
	e.lastFire.Store(time.Now().UnixNano())
	fire := e.fire
	s.mu.Unlock()

	fire()
}

// disarmLocked removes a job's trigger, leaving the definition in place.
func (s *Service) disarmLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.version++ // invalidate callbacks already in flight
	e.nextAt = time.Time{}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run
// times for the given cron spec. Call with mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	if n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
