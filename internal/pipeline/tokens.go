package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"daybrief/internal/job/runner"
	"daybrief/pkg/logx"
)

// TokenRefresh builds the handler that proactively refreshes credentials
// for every adapter that supports it. A refresh failure fails the attempt:
// an expiring refresh token only gets worse by waiting, and the retry plus
// the job.failed notice make it visible fast.
func TokenRefresh(d Deps) runner.Handler {
	log := d.Log.With(logx.String("pipeline", "token_refresh"))
	return func(ctx context.Context, rctx runner.RunContext) (runner.Report, error) {
		refreshers := d.Registry.Refreshers()
		if len(refreshers) == 0 {
			log.Debug("no refreshable sources")
			return runner.Report{}, nil
		}

		ids := make([]string, 0, len(refreshers))
		for id := range refreshers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var errs []error
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return runner.Report{}, err
			}
			if err := refreshers[id].RefreshAuth(ctx); err != nil {
				log.Warn("token refresh failed", logx.String("source", id), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			log.Debug("token refreshed", logx.String("source", id))
		}
		if len(errs) > 0 {
			return runner.Report{}, errors.Join(errs...)
		}
		return runner.Report{}, nil
	}
}
