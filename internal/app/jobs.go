package app

import (
	"context"
	"fmt"
	"sync"

	"daybrief/internal/config"
	"daybrief/internal/job/runner"
	"daybrief/internal/job/scheduler"
	"daybrief/internal/pipeline"
	logx "daybrief/pkg/logx"
)

// binding pairs a configured job with its runner inputs. Fire closures read
// through the binding so a hot reload swaps the handler and options without
// touching the armed trigger.
type binding struct {
	mu   sync.Mutex
	job  runner.Job
	opts runner.Options
}

func (b *binding) current() (runner.Job, runner.Options) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.job, b.opts
}

func (b *binding) set(job runner.Job, opts runner.Options) {
	b.mu.Lock()
	b.job = job
	b.opts = opts
	b.mu.Unlock()
}

// buildHandler resolves a pipeline name to its handler. required wraps the
// handler so any per-source failure fails the attempt regardless of
// tolerance.
func buildHandler(name string, deps pipeline.Deps, required bool) (runner.Handler, error) {
	var h runner.Handler
	switch name {
	case "briefing":
		h = pipeline.Briefing(deps)
	case "reflection":
		h = pipeline.Reflection(deps)
	case "health_pulse":
		h = pipeline.HealthPulse(deps)
	case "data_sync":
		h = pipeline.DataSync(deps)
	case "token_refresh":
		h = pipeline.TokenRefresh(deps)
	case "source_probe":
		h = pipeline.SourceProbe(deps)
	default:
		return nil, fmt.Errorf("unknown pipeline: %s", name)
	}
	if required {
		h = requireAll(h)
	}
	return h, nil
}

func requireAll(h runner.Handler) runner.Handler {
	return func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		rep, err := h(ctx, rctx)
		rep.Required = true
		return rep, err
	}
}

func makeBinding(cfg *Config, jc config.JobConfig, deps pipeline.Deps) (*binding, error) {
	h, err := buildHandler(jc.Pipeline, deps, jc.Required)
	if err != nil {
		return nil, fmt.Errorf("jobs.%s: %w", jc.Name, err)
	}
	opts, err := mapJobOptions(cfg, jc)
	if err != nil {
		return nil, err
	}
	b := &binding{}
	b.set(runner.Job{ID: jc.Name, Handler: h, Channels: jc.Channels}, opts)
	return b, nil
}

// fireFor returns the scheduler callback for one job. A rejected enqueue
// (overlap skip, queue full, runner stopping) still reports JobDone so the
// interval trigger re-arms; otherwise a dropped fire parks the job forever.
func (a *App) fireFor(name string) func() {
	return func() {
		a.mu.Lock()
		b := a.bindings[name]
		a.mu.Unlock()
		if b == nil {
			return
		}
		job, opts := b.current()
		if err := a.run.Enqueue(job, opts); err != nil {
			a.sched.JobDone(name)
		}
	}
}

// registerJobs builds bindings for the configured job table and registers
// their triggers. The scheduler arms them at Start.
func (a *App) registerJobs(cfg *Config, deps pipeline.Deps) error {
	for _, jc := range effectiveJobs(cfg) {
		trig, err := scheduler.ParseSchedule(jc.Schedule)
		if err != nil {
			return fmt.Errorf("jobs.%s: %w", jc.Name, err)
		}
		b, err := makeBinding(cfg, jc, deps)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.bindings[jc.Name] = b
		a.mu.Unlock()

		if err := a.sched.Add(scheduler.Job{
			Name:     jc.Name,
			Pipeline: jc.Pipeline,
			Channels: jc.Channels,
			Trigger:  trig,
			Enabled:  jc.IsEnabled(),
		}, a.fireFor(jc.Name)); err != nil {
			return err
		}
	}
	return nil
}

// reconcileJobs applies a reloaded job table: every binding is rebuilt
// against the current wiring, but triggers are only re-registered for jobs
// whose config actually changed (re-adding resets interval timers).
// Vanished jobs are removed.
func (a *App) reconcileJobs(cfg *Config, deps pipeline.Deps, changedJobs []string) {
	changed := make(map[string]bool, len(changedJobs))
	for _, name := range changedJobs {
		changed[name] = true
	}

	want := make(map[string]bool)
	for _, jc := range effectiveJobs(cfg) {
		want[jc.Name] = true

		b, err := makeBinding(cfg, jc, deps)
		if err != nil {
			a.log.Warn("job rebind failed; keeping previous", logx.String("job", jc.Name), logx.Err(err))
			continue
		}
		job, opts := b.current()

		a.mu.Lock()
		exist := a.bindings[jc.Name]
		if exist != nil {
			exist.set(job, opts)
		} else {
			a.bindings[jc.Name] = b
		}
		a.mu.Unlock()

		if exist != nil && !changed[jc.Name] {
			continue
		}
		trig, err := scheduler.ParseSchedule(jc.Schedule)
		if err != nil {
			a.log.Warn("job schedule rejected", logx.String("job", jc.Name), logx.Err(err))
			continue
		}
		if err := a.sched.Add(scheduler.Job{
			Name:     jc.Name,
			Pipeline: jc.Pipeline,
			Channels: jc.Channels,
			Trigger:  trig,
			Enabled:  jc.IsEnabled(),
		}, a.fireFor(jc.Name)); err != nil {
			a.log.Warn("job trigger rejected", logx.String("job", jc.Name), logx.Err(err))
			continue
		}
		if exist == nil {
			a.log.Info("job added", logx.String("job", jc.Name))
		}
	}

	a.mu.Lock()
	var gone []string
	for name := range a.bindings {
		if !want[name] {
			gone = append(gone, name)
			delete(a.bindings, name)
		}
	}
	a.mu.Unlock()
	for _, name := range gone {
		a.sched.Remove(name)
		a.log.Info("job removed", logx.String("job", name))
	}
}
