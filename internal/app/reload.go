package app

import (
	"context"
	"strings"
	"time"

	"daybrief/internal/job/scheduler"
	logx "daybrief/pkg/logx"
)

// applyReload pushes a committed config into the running services. The
// validator already accepted cfg, so a mapping failure here keeps the
// affected section on its previous wiring instead of failing the reload.
func (a *App) applyReload(ctx context.Context, prev, next *Config) {
	sections, attrs, changedJobs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(changedJobs) > 0 {
		a.log.Debug("job config changes detected", logx.Any("jobs", changedJobs))
	}

	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	// Storage is opened once at boot; drivers cannot be swapped live.
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed["logging"] {
		a.logs.Apply(mapLogxConfig(next))
		a.mu.Lock()
		a.alertCh = alertChannel(next)
		a.notify = alertLimiter(next)
		a.mu.Unlock()
	}

	if changed["timezone"] {
		if loc, err := resolveLocation(next.Timezone); err == nil {
			a.mu.Lock()
			a.loc = loc
			a.mu.Unlock()
			a.sched.Apply(scheduler.Config{Timezone: loc.String()})
		} else {
			a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		}
	}

	if changed["runner"] {
		if rc, err := mapRunnerConfig(next); err == nil {
			a.run.Apply(ctx, rc)
		} else {
			a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
		}
	}

	if changed["pprof"] {
		if ppc, err := mapPprofConfig(next); err == nil {
			a.pprof.Reconfigure(ctx, ppc)
		} else {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		}
	}

	// The vault sink renders dates in the configured zone, so a timezone
	// change rebuilds sinks too.
	if changed["sinks"] || changed["homeassistant"] || changed["timezone"] {
		tg, err := buildSinks(next, a.disp, a.location(), a.hc, a.base)
		if err != nil {
			a.log.Warn("sink rebuild failed; keeping previous sinks", logx.Err(err))
		} else if tg != nil {
			a.logs.SetAlertSender(tg)
		} else {
			a.logs.SetAlertSender(nil)
		}
	}

	rebuild := changed["sources"] || changed["fetch"] || changed["merge"] ||
		changed["alerts"] || changed["homeassistant"] || changed["timezone"]
	if rebuild {
		deps, reg, err := a.buildDeps(next)
		if err != nil {
			a.log.Warn("pipeline rebuild failed; keeping previous wiring", logx.Err(err))
		} else {
			a.mu.Lock()
			old := a.reg
			a.deps = deps
			a.reg = reg
			a.mu.Unlock()
			if old != nil {
				// Old adapters may still be mid-fetch; close their sessions
				// in the background.
				go func() {
					dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					old.DisconnectAll(dctx)
				}()
			}
		}
	}

	if rebuild || changed["jobs"] {
		a.mu.Lock()
		deps := a.deps
		a.mu.Unlock()
		a.reconcileJobs(next, deps, changedJobs)
	}

	a.log.Info("config reloaded", fields...)
}
