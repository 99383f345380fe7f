package pipeline

import (
	"context"

	"daybrief/internal/job/runner"
	"daybrief/internal/merge"
	"daybrief/internal/sink"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// Briefing builds the morning-briefing handler: fetch the local day from
// every enabled source, merge, compose, render, deliver. Failed sources
// degrade the briefing (they become Notes) and ride Report.Failed for the
// runner's tolerance check.
func Briefing(d Deps) runner.Handler {
	log := d.Log.With(logx.String("pipeline", "briefing"))
	return func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		now := d.now()
		day := source.Day(now, d.location())

		res := d.Fetch.FetchAll(ctx, d.Sources.All(), day, d.FetchOpts)

		snap := merge.MergeHealth(day.Start, res.Succeeded, d.Health)
		b, err := merge.ComposeBriefing(merge.BriefingInput{
			Date:     day.Start,
			Now:      now,
			Health:   snapshotOrNil(snap),
			Calendar: merge.MergeCalendars(res.Succeeded, d.Calendar),
			Tasks:    collectTasks(res.Succeeded),
			Ambient:  unionAmbient(res.Succeeded),
			Notes:    res.FailedNotes(),
		})
		if err != nil {
			return runner.Report{}, err
		}

		art := sink.RenderBriefing(b, d.location())
		d.deliver(ctx, rctx, art)

		log.Info("briefing delivered",
			logx.String("date", day.Start.Format("2006-01-02")),
			logx.Int("sources", len(res.Succeeded)),
			logx.Int("failed", len(res.Failed)),
			logx.Int("events", len(b.Calendar)),
			logx.Int("tasks", len(b.Tasks)),
		)
		return runner.Report{Failed: failedIDs(res)}, nil
	}
}
