package scheduler

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "daybrief/pkg/logx"
)

// Add registers a job definition with its fire callback, replacing any
// existing job with the same name. The callback must not block: it hands the
// job to the runner and returns. When the scheduler is already started and
// the job is enabled, the trigger arms immediately.
func (s *Service) Add(job Job, fire func()) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("job name required")
	}
	if fire == nil {
		return errors.New("fire callback required")
	}
	if err := job.Trigger.validate(); err != nil {
		return &Error{Spec: job.Trigger.displaySpec(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert by name: replacing disarms the old trigger so stale timers and
	// cron entries cannot fire for the new definition.
	s.removeLocked(job.Name)
	e := &entry{job: job, fire: fire}
	s.entries[job.Name] = e
	s.order = append(s.order, job.Name)

	if s.c == nil || !job.Enabled {
		return nil
	}
	if err := s.armLocked(e, true); err != nil {
		return err
	}
	args := []logx.Field{logx.String("job", job.Name), logx.String("spec", job.Trigger.displaySpec())}
	if job.Trigger.Kind == TriggerCron {
		if next := s.previewNextRunsLocked(job.Trigger.Cron, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
	}
	s.log.Debug("trigger registered", args...)
	return nil
}

// Remove deletes a job definition entirely. It returns true if the job
// existed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return false
	}
	s.removeLocked(name)
	s.log.Debug("trigger removed", logx.String("job", name))
	return true
}

func (s *Service) removeLocked(name string) {
	e := s.entries[name]
	if e == nil {
		return
	}
	s.disarmLocked(e)
	delete(s.entries, name)
	n := 0
	for _, it := range s.order {
		if it == name {
			continue
		}
		s.order[n] = it
		n++
	}
	s.order = s.order[:n]
}

// JobDone tells the scheduler a fired job has finished. Interval jobs re-arm
// at completion + interval, so a slow run delays the next fire instead of
// stacking fires behind it. Cron jobs key off the wall clock and ignore
// completion.
//
// The runner's done hook calls this; the app also calls it directly when an
// enqueue is rejected, so a dropped fire still re-arms.
func (s *Service) JobDone(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[name]
	if e == nil || e.job.Trigger.Kind != TriggerInterval {
		return
	}
	if s.c == nil || !e.job.Enabled {
		return
	}
	if e.timer != nil {
		// Already armed (an Enable raced the completing run); keep that arm.
		return
	}
	s.armIntervalLocked(e, e.job.Trigger.Every)
}

// Enable re-arms a disabled job. Interval jobs fire one interval from now.
// It returns false if no job with that name exists.
func (s *Service) Enable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[strings.TrimSpace(name)]
	if e == nil {
		return false
	}
	if e.job.Enabled {
		return true
	}
	e.job.Enabled = true
	if s.c == nil {
		return true
	}
	if err := s.armLocked(e, false); err != nil {
		s.log.Error("trigger register failed",
			logx.String("job", e.job.Name), logx.String("spec", e.job.Trigger.displaySpec()), logx.Any("err", err))
		return true
	}
	s.log.Debug("trigger enabled", logx.String("job", e.job.Name))
	return true
}

// Disable removes a job's trigger but keeps its definition. It returns false
// if no job with that name exists.
func (s *Service) Disable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[strings.TrimSpace(name)]
	if e == nil {
		return false
	}
	if !e.job.Enabled {
		return true
	}
	e.job.Enabled = false
	s.disarmLocked(e)
	s.log.Debug("trigger disabled", logx.String("job", e.job.Name))
	return true
}

func (s *Service) Snapshot() Snapshot {
	type row struct {
		info    JobInfo
		kind    TriggerKind
		entryID cron.EntryID
		e       *entry
	}

	s.mu.Lock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	c := s.c
	rows := make([]row, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		if e == nil {
			continue
		}
		it := JobInfo{
			Name:     e.job.Name,
			Pipeline: e.job.Pipeline,
			Spec:     e.job.Trigger.displaySpec(),
			Kind:     e.job.Trigger.Kind.String(),
			Enabled:  e.job.Enabled,
			State:    s.stateOfLocked(e),
			Channels: append([]string(nil), e.job.Channels...),
		}
		if e.job.Trigger.Kind == TriggerInterval {
			it.Next = e.nextAt
		}
		rows = append(rows, row{info: it, kind: e.job.Trigger.Kind, entryID: e.entryID, e: e})
	}
	s.mu.Unlock()

	// Query cron entry times after releasing mu; Entry round-trips through
	// the cron run loop.
	jobs := make([]JobInfo, 0, len(rows))
	for _, r := range rows {
		if n := r.e.lastFire.Load(); n != 0 {
			r.info.LastFire = time.Unix(0, n)
		}
		if r.kind == TriggerCron && c != nil && r.entryID != 0 {
			r.info.Next = c.Entry(r.entryID).Next
		}
		jobs = append(jobs, r.info)
	}
	return Snapshot{Timezone: tz, Jobs: jobs}
}

// stateOfLocked reports a job's trigger state. An interval job without a
// timer is mid-run: it fired and is waiting for JobDone to re-arm.
func (s *Service) stateOfLocked(e *entry) string {
	switch {
	case !e.job.Enabled:
		return "disabled"
	case s.c == nil:
		return "idle"
	case e.job.Trigger.Kind == TriggerInterval && e.timer == nil:
		return "running"
	default:
		return "armed"
	}
}
