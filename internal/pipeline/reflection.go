package pipeline

import (
	"context"

	"daybrief/internal/job/runner"
	"daybrief/internal/merge"
	"daybrief/internal/sink"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// Reflection builds the evening handler: today's health and tasks plus
// tomorrow's calendar, composed into a reflection prompt.
func Reflection(d Deps) runner.Handler {
	log := d.Log.With(logx.String("pipeline", "reflection"))
	return func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		now := d.now()
		loc := d.location()
		today := source.Day(now, loc)
		// today.End is tomorrow's local midnight, so this survives DST days.
		tomorrow := source.Day(today.End, loc)

		todayIDs := append(append([]string{}, d.Sources.Health...), d.Sources.Tasks...)
		resToday := d.Fetch.FetchAll(ctx, todayIDs, today, d.FetchOpts)
		resTomorrow := d.Fetch.FetchAll(ctx, d.Sources.Calendar, tomorrow, d.FetchOpts)

		snap := merge.MergeHealth(today.Start, resToday.Succeeded, d.Health)
		b, err := merge.ComposeBriefing(merge.BriefingInput{
			Date:     today.Start,
			Now:      now,
			Health:   snapshotOrNil(snap),
			Calendar: merge.MergeCalendars(resTomorrow.Succeeded, d.Calendar),
			Tasks:    collectTasks(resToday.Succeeded),
			Notes:    append(resToday.FailedNotes(), resTomorrow.FailedNotes()...),
		})
		if err != nil {
			return runner.Report{}, err
		}

		art := sink.RenderReflection(b, loc)
		d.deliver(ctx, rctx, art)

		failed := append(failedIDs(resToday), failedIDs(resTomorrow)...)
		log.Info("reflection delivered",
			logx.String("date", today.Start.Format("2006-01-02")),
			logx.Int("tasks", len(b.Tasks)),
			logx.Int("tomorrow_events", len(b.Calendar)),
			logx.Int("failed", len(failed)),
		)
		return runner.Report{Failed: failed}, nil
	}
}
