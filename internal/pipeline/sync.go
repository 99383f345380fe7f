package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"daybrief/internal/fetch"
	"daybrief/internal/job/runner"
	"daybrief/internal/merge"
	"daybrief/internal/source"
	"daybrief/internal/storage"
	"daybrief/pkg/logx"
)

// DataSync builds the background sync handler: fetch the day so far from
// every enabled source, upsert per-source sync bookkeeping, and archive a
// merged snapshot. It never dispatches; the snapshot goes to the store,
// and per-source failures ride Report.Failed under the job's tolerance.
func DataSync(d Deps) runner.Handler {
	log := d.Log.With(logx.String("pipeline", "data_sync"))
	return func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		now := d.now()
		day := source.Day(now, d.location())
		ids := d.Sources.All()

		res := d.Fetch.FetchAll(ctx, ids, day, d.FetchOpts)

		if d.Store != nil {
			for _, id := range ids {
				prev, _, gerr := d.Store.GetSyncState(ctx, id)
				if gerr != nil {
					log.Warn("sync state read failed", logx.String("source", id), logx.Err(gerr))
				}
				st := storage.SyncState{
					Source:      id,
					LastSync:    now,
					LastSuccess: prev.LastSuccess,
					SyncCount:   prev.SyncCount + 1,
				}
				if _, ok := res.Succeeded[id]; ok {
					st.LastSuccess = now
				} else {
					st.LastError = res.Failed[id].String()
				}
				if err := d.Store.PutSyncState(ctx, st); err != nil {
					log.Warn("sync state write failed", logx.String("source", id), logx.Err(err))
				}
			}
			d.archiveSnapshot(ctx, log, rctx.JobID, now, day, res)
		}

		log.Debug("data sync complete",
			logx.Int("sources", len(ids)),
			logx.Int("failed", len(res.Failed)),
		)
		return runner.Report{Failed: failedIDs(res)}, nil
	}
}

// archiveSnapshot stores the merged view of the day so far as a JSON
// artifact. Snapshot failures are log-only: sync bookkeeping already
// happened and the fetch itself succeeded.
func (d Deps) archiveSnapshot(ctx context.Context, log logx.Logger, jobID string, now time.Time, day source.TimeRange, res fetch.Result) {
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
		log.Warn("snapshot compose failed", logx.Err(err))
		return
	}
	body, err := json.Marshal(b)
	if err != nil {
		log.Warn("snapshot encode failed", logx.Err(err))
		return
	}
	rec := storage.ArtifactRecord{
		At:    now,
		JobID: jobID,
		Kind:  "sync_snapshot",
		Title: "Data Sync",
		Body:  string(body),
		Meta:  map[string]string{"date": day.Start.Format("2006-01-02")},
	}
	if err := d.Store.AppendArtifact(ctx, rec); err != nil {
		log.Warn("snapshot archive failed", logx.Err(err))
	}
}
