package pipeline

import (
	"context"
	"sort"
	"sync"

	"daybrief/internal/eventbus"
	"daybrief/internal/job/runner"
	"daybrief/pkg/logx"
)

// SourceStateEvent is the source.state payload.
type SourceStateEvent struct {
	Source  string `json:"source"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// SourceProbe builds the health-check handler. It observes, logs, and
// publishes healthy/unhealthy transitions; it never dispatches artifacts,
// and an unhealthy source never fails the probe itself.
func SourceProbe(d Deps) runner.Handler {
	log := d.Log.With(logx.String("pipeline", "source_probe"))

	var mu sync.Mutex
	known := make(map[string]bool)

	return func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		results := d.Registry.HealthCheckAll(ctx)

		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			err := results[id]
			healthy := err == nil

			mu.Lock()
			prev, seen := known[id]
			known[id] = healthy
			mu.Unlock()

			if seen && prev == healthy {
				continue
			}

			ev := SourceStateEvent{Source: id, Healthy: healthy}
			switch {
			case !healthy:
				ev.Error = err.Error()
				log.Warn("source unhealthy", logx.String("source", id), logx.Err(err))
			case seen:
				log.Info("source recovered", logx.String("source", id))
			default:
				log.Debug("source healthy", logx.String("source", id))
			}
			if d.Bus != nil {
				d.Bus.Publish(eventbus.Event{Type: eventbus.TypeSourceState, Data: ev})
			}
		}
		return runner.Report{}, nil
	}
}
