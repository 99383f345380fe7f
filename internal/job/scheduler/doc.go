// Package scheduler decides when jobs fire. It is trigger-only: each job
// carries a fire callback that hands work to the runner, and the scheduler
// never executes or retries anything itself.
//
// Two trigger kinds exist. Cron jobs follow the wall clock in the configured
// timezone; occurrences missed while the process was down or the handler was
// busy are not backfilled. Interval jobs are completion-relative: the next
// timer is armed when JobDone reports the previous run finished, so a slow
// handler pushes the cadence back instead of letting fires pile up.
package scheduler
