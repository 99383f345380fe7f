package pipeline

import (
	"context"
	"fmt"

	"daybrief/internal/job/runner"
	"daybrief/internal/merge"
	"daybrief/internal/sink"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// HealthPulse builds the handler that watches merged health metrics and
// raises a voice alert when HRV drops below the configured floor. The alert
// is deduplicated per (date, rule), so a 2-hour cadence cannot repeat the
// same day's warning.
func HealthPulse(d Deps) runner.Handler {
	log := d.Log.With(logx.String("pipeline", "health_pulse"))
	dd := newDedup(d.Store)
	return func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		now := d.now()
		day := source.Day(now, d.location())

		res := d.Fetch.FetchAll(ctx, d.Sources.Health, day, d.FetchOpts)
		snap := merge.MergeHealth(day.Start, res.Succeeded, d.Health)

		low := d.hrvLow()
		if snap.HRVms != nil && *snap.HRVms < low {
			date := day.Start.Format("2006-01-02")
			key := "alert:hrv_low:" + date
			if dd.seen(ctx, key, now) {
				log.Debug("alert suppressed", logx.String("key", key))
			} else {
				art := sink.RenderAlert("hrv_low",
					fmt.Sprintf("HRV is %.0f ms, below the %.0f ms floor.", *snap.HRVms, low),
					fmt.Sprintf("Your HRV is at %.0f milliseconds, lower than usual. Consider taking it easy today.", *snap.HRVms),
				)
				art.Meta["date"] = date
				d.deliver(ctx, rctx, art)
				dd.mark(ctx, key, day.End)
				log.Warn("low HRV alert",
					logx.Float64("hrv_ms", *snap.HRVms),
					logx.Float64("floor", low),
					logx.String("provenance", snap.Provenance[merge.FieldHRVms]),
				)
			}
		}
		return runner.Report{Failed: failedIDs(res)}, nil
	}
}
