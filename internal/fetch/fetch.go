// Package fetch fans a fetch request out over the source registry with
// per-source and aggregate deadlines. Partial success is the normal
// outcome; one source failing never affects the others' results.
package fetch

import (
	"context"
	"runtime/debug"
	"sort"
	"time"

	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// Options bounds one FetchAll call. Zero fields fall back to the
// coordinator defaults, then to 20s / 45s.
type Options struct {
	PerSourceTimeout time.Duration
	AggregateTimeout time.Duration
}

func (o Options) withDefaults(def Options) Options {
	if o.PerSourceTimeout <= 0 {
		o.PerSourceTimeout = def.PerSourceTimeout
	}
	if o.AggregateTimeout <= 0 {
		o.AggregateTimeout = def.AggregateTimeout
	}
	if o.PerSourceTimeout <= 0 {
		o.PerSourceTimeout = 20 * time.Second
	}
	if o.AggregateTimeout <= 0 {
		o.AggregateTimeout = 45 * time.Second
	}
	return o
}

// Result partitions the requested source IDs: every requested ID appears in
// exactly one of the two maps.
type Result struct {
	Succeeded map[string]source.Record
	Failed    map[string]source.Kind
}

// FailedNotes renders the failure map as "source: kind" remarks, sorted by
// source ID, for briefing degradation notes.
func (r Result) FailedNotes() []string {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	notes := make([]string, 0, len(ids))
	for _, id := range ids {
		notes = append(notes, id+": "+r.Failed[id].String())
	}
	return notes
}

type Coordinator struct {
	reg *source.Registry
	log logx.Logger
	def Options
}

func New(reg *source.Registry, log logx.Logger, def Options) *Coordinator {
	return &Coordinator{
		reg: reg,
		log: log.With(logx.String("component", "fetch")),
		def: def,
	}
}

// FetchAll fetches tr from every listed source concurrently. Each source
// runs under its own deadline inside the aggregate deadline; rate limiting
// and lazy connection happen inside the per-source goroutine (via the
// registry). A panicking adapter is recovered as KindMalformed.
//
// When the aggregate deadline fires or ctx is cancelled, outstanding
// sources are recorded as KindTimeout and FetchAll returns promptly;
// results arriving later are discarded.
func (c *Coordinator) FetchAll(ctx context.Context, ids []string, tr source.TimeRange, opt Options) Result {
	res := Result{
		Succeeded: make(map[string]source.Record),
		Failed:    make(map[string]source.Kind),
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return res
	}
	opt = opt.withDefaults(c.def)

	aggCtx, cancel := context.WithTimeout(ctx, opt.AggregateTimeout)
	defer cancel()

	type outcome struct {
		id  string
		rec source.Record
		err error
	}
	// Buffered to len(ids): sends never block, so goroutines always exit
	// even when the collector has returned.
	ch := make(chan outcome, len(ids))
	started := time.Now()

	for _, id := range ids {
		id := id
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("adapter panicked",
						logx.String("source", id),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					ch <- outcome{id: id, err: source.Errorf(id, source.KindMalformed, "adapter panic: %v", r)}
				}
			}()
			sctx, scancel := context.WithTimeout(aggCtx, opt.PerSourceTimeout)
			defer scancel()
			rec, err := c.reg.Fetch(sctx, id, tr)
			ch <- outcome{id: id, rec: rec, err: err}
		}()
	}

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	record := func(out outcome) {
		if !pending[out.id] {
			return
		}
		delete(pending, out.id)
		if out.err != nil {
			kind := source.KindOf(out.err)
			res.Failed[out.id] = kind
			c.log.Warn("source fetch failed",
				logx.String("source", out.id),
				logx.String("kind", kind.String()),
				logx.Err(out.err),
			)
			return
		}
		res.Succeeded[out.id] = out.rec
	}

	for len(pending) > 0 {
		select {
		case out := <-ch:
			record(out)
		case <-aggCtx.Done():
			// Short drain: collect what already landed, then stamp the
			// rest as timed out.
			for len(pending) > 0 {
				select {
				case out := <-ch:
					record(out)
				default:
					for id := range pending {
						res.Failed[id] = source.KindTimeout
					}
					pending = nil
				}
			}
		}
	}

	c.log.Debug("fetch complete",
		logx.Int("requested", len(ids)),
		logx.Int("succeeded", len(res.Succeeded)),
		logx.Int("failed", len(res.Failed)),
		logx.Duration("took", time.Since(started)),
	)
	return res
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
