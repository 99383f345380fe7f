// Package pipeline binds the fetch coordinator, mergers, sinks, and store
// into job handlers. Each constructor returns a runner.Handler; the shared
// wiring comes in through Deps so the handlers themselves stay closures
// over plain data.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"daybrief/internal/eventbus"
	"daybrief/internal/fetch"
	"daybrief/internal/job/runner"
	"daybrief/internal/merge"
	"daybrief/internal/sink"
	"daybrief/internal/source"
	"daybrief/internal/storage"
	"daybrief/pkg/logx"
)

// Sources groups the enabled source IDs by the payload section they feed.
// The app fills it from config; pipelines pick the groups they need.
type Sources struct {
	Health   []string
	Calendar []string
	Tasks    []string
	Ambient  []string
}

// All returns every grouped ID once, in group order.
func (s Sources) All() []string {
	var out []string
	seen := make(map[string]bool)
	for _, group := range [][]string{s.Health, s.Calendar, s.Tasks, s.Ambient} {
		for _, id := range group {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Deps carries the shared wiring for every pipeline.
type Deps struct {
	Fetch      *fetch.Coordinator
	Registry   *source.Registry
	Dispatcher *sink.Dispatcher
	Store      storage.Store // nil when storage is disabled
	Bus        eventbus.Bus
	Log        logx.Logger

	Sources  Sources
	Health   []merge.FieldRule
	Calendar merge.CalendarPolicy

	Loc   *time.Location
	Clock func() time.Time // nil means time.Now

	// HRVLow is the health_pulse alert floor in ms; 0 keeps the default 30.
	HRVLow float64

	FetchOpts fetch.Options
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d Deps) location() *time.Location {
	if d.Loc != nil {
		return d.Loc
	}
	return time.UTC
}

func (d Deps) hrvLow() float64 {
	if d.HRVLow > 0 {
		return d.HRVLow
	}
	return 30
}

// deliver hands the artifact to the job's channels. Delivery failures are
// logged and published by the dispatcher; they never fail the job.
func (d Deps) deliver(ctx context.Context, rctx runner.RunContext, a sink.Artifact) {
	if d.Dispatcher == nil || len(rctx.Channels) == 0 {
		return
	}
	_ = d.Dispatcher.Deliver(ctx, a, rctx.Channels)
}

// snapshotOrNil drops an empty merge result so composed briefings omit the
// health section instead of rendering a date-only shell.
func snapshotOrNil(snap merge.HealthSnapshot) *merge.HealthSnapshot {
	if len(snap.Provenance) == 0 {
		return nil
	}
	return &snap
}

func sortedIDs(records map[string]source.Record) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func collectTasks(records map[string]source.Record) []source.Task {
	var tasks []source.Task
	for _, id := range sortedIDs(records) {
		tasks = append(tasks, records[id].Tasks...)
	}
	return tasks
}

// unionAmbient merges ambient observations field-by-field, the first source
// in sorted ID order winning each field. Weather and connectivity come from
// different sources, so a plain union is the whole merge.
func unionAmbient(records map[string]source.Record) *source.Observation {
	var out *source.Observation
	for _, id := range sortedIDs(records) {
		obs := records[id].Ambient
		if obs == nil {
			continue
		}
		if out == nil {
			out = &source.Observation{}
		}
		if out.WeatherState == "" {
			out.WeatherState = obs.WeatherState
		}
		if out.TempC == nil {
			out.TempC = obs.TempC
		}
		if out.DownloadMbps == nil {
			out.DownloadMbps = obs.DownloadMbps
		}
		if out.UploadMbps == nil {
			out.UploadMbps = obs.UploadMbps
		}
		if out.PingMs == nil {
			out.PingMs = obs.PingMs
		}
		if out.PacketLossPct == nil {
			out.PacketLossPct = obs.PacketLossPct
		}
	}
	return out
}

func failedIDs(res fetch.Result) []string {
	if len(res.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dedup suppresses repeats of a keyed event until an expiry. It prefers the
// store's dedup index and falls back to process-local memory when storage
// is disabled or failing.
type dedup struct {
	store storage.Store

	mu    sync.Mutex
	local map[string]time.Time
}

func newDedup(store storage.Store) *dedup {
	return &dedup{store: store, local: make(map[string]time.Time)}
}

func (dd *dedup) seen(ctx context.Context, key string, now time.Time) bool {
	if dd.store != nil {
		if until, ok, err := dd.store.GetDedup(ctx, key); err == nil {
			return ok && until.After(now)
		}
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	until, ok := dd.local[key]
	return ok && until.After(now)
}

func (dd *dedup) mark(ctx context.Context, key string, until time.Time) {
	if dd.store != nil {
		if err := dd.store.PutDedup(ctx, key, until); err == nil {
			return
		}
	}
	dd.mu.Lock()
	for k, u := range dd.local {
		if !u.After(until) {
			delete(dd.local, k)
		}
	}
	dd.local[key] = until
	dd.mu.Unlock()
}
