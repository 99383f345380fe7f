package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"daybrief/internal/eventbus"
	"daybrief/internal/fetch"
	"daybrief/internal/job/runner"
	"daybrief/internal/job/scheduler"
	"daybrief/internal/observability/pprof"
	"daybrief/internal/pipeline"
	"daybrief/internal/sink"
	"daybrief/internal/source"
	"daybrief/internal/storage"
	logx "daybrief/pkg/logx"
)

// App wires config, logging, storage, sources, sinks, pipelines, runner,
// and scheduler into one supervised daemon.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	base  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	hc    *http.Client

	disp  *sink.Dispatcher
	run   *runner.Service
	sched *scheduler.Service
	pprof *pprof.Service

	mu       sync.Mutex
	loc      *time.Location
	reg      *source.Registry
	deps     pipeline.Deps
	bindings map[string]*binding
	alertCh  string
	notify   *rate.Limiter
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLogxConfig(cfg))
	log := base.With(logx.String("comp", "app"))

	loc, err := resolveLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, base.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	hc := &http.Client{Timeout: 30 * time.Second}

	disp := sink.NewDispatcher(base.With(logx.String("comp", "sink")), bus)
	tg, err := buildSinks(cfg, disp, loc, hc, base)
	if err != nil {
		return nil, err
	}
	if tg != nil {
		logSvc.SetAlertSender(tg)
	}

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runSvc := runner.New(rc, base.With(logx.String("comp", "runner")), bus, store)

	schedSvc := scheduler.New(scheduler.Config{Timezone: loc.String()}, base.With(logx.String("comp", "scheduler")))
	// Completion-relative re-arm: an interval trigger times its next fire
	// from when the previous run (retries included) finished.
	runSvc.SetDoneHook(schedSvc.JobDone)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		base:     base,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		hc:       hc,
		disp:     disp,
		run:      runSvc,
		sched:    schedSvc,
		pprof:    pprof.New(ppc, base.With(logx.String("comp", "pprof"))),
		loc:      loc,
		bindings: make(map[string]*binding),
		alertCh:  alertChannel(cfg),
		notify:   alertLimiter(cfg),
	}

	deps, reg, err := a.buildDeps(cfg)
	if err != nil {
		return nil, err
	}
	a.deps = deps
	a.reg = reg

	if err := a.registerJobs(cfg, deps); err != nil {
		return nil, err
	}
	return a, nil
}

// buildDeps assembles the pipeline wiring for cfg. The caller swaps the
// returned registry in and retires the old one.
func (a *App) buildDeps(cfg *Config) (pipeline.Deps, *source.Registry, error) {
	fo, err := mapFetchOptions(cfg)
	if err != nil {
		return pipeline.Deps{}, nil, err
	}
	reg, groups := buildRegistry(cfg, a.hc, a.base)

	deps := pipeline.Deps{
		Fetch:      fetch.New(reg, a.base.With(logx.String("comp", "fetch")), fo),
		Registry:   reg,
		Dispatcher: a.disp,
		Store:      a.store,
		Bus:        a.bus,
		Log:        a.base.With(logx.String("comp", "pipeline")),
		Sources:    groups,
		Health:     mapHealthRules(cfg),
		Calendar:   mapCalendarPolicy(cfg),
		Loc:        a.location(),
		HRVLow:     cfg.Alerts.HRVLow,
		FetchOpts:  fo,
	}
	return deps, reg, nil
}

func (a *App) location() *time.Location {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loc
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish so a bad
	// edit never reaches the running services.
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.run.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Event visibility; debug-level to stay quiet under frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Terminal job failures become out-of-band notices.
	fails, unsubFails := a.bus.Subscribe(64)
	a.sup.Go0("job.notify", func(c context.Context) {
		defer unsubFails()
		a.notifyLoop(c, fails)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.mu.Lock()
	jobs := len(a.bindings)
	tz := a.loc.String()
	a.mu.Unlock()
	a.log.Info("app started", logx.Int("jobs", jobs), logx.String("tz", tz))
	return nil
}

func (a *App) notifyLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeJobFailed {
				continue
			}
			je, ok := e.Data.(runner.JobEvent)
			if !ok {
				continue
			}
			a.notifyJobFailed(ctx, je)
		}
	}
}

// notifyJobFailed delivers a failure notice to the alert channel, falling
// back to the log sink when that channel is not registered.
func (a *App) notifyJobFailed(ctx context.Context, je runner.JobEvent) {
	a.mu.Lock()
	ch := a.alertCh
	lim := a.notify
	a.mu.Unlock()
	if lim != nil && !lim.Allow() {
		return
	}

	target := "log"
	for _, name := range a.disp.Channels() {
		if name == ch {
			target = ch
			break
		}
	}

	body := fmt.Sprintf("Job %s failed after %d attempt(s).", je.JobID, je.Attempt)
	if je.Error != "" {
		body += "\nReason: " + je.Error
	}
	if len(je.Failed) > 0 {
		body += "\nSources: " + strings.Join(je.Failed, ", ")
	}
	a.disp.Deliver(ctx, sink.RenderAlert("job_failed", body, ""), []string{target})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Start never ran; close what NewApp opened.
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding
	// immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first so nothing new fires, then drain the runner.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("runner", 3*time.Second, func(c context.Context) error {
		a.run.CancelAll()
		a.run.Stop(c)
		return nil
	})
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("sources", 2*time.Second, func(c context.Context) error {
		a.mu.Lock()
		reg := a.reg
		a.mu.Unlock()
		if reg != nil {
			reg.DisconnectAll(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event
	// loops, notices).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
