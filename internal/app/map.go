package app

import (
	"strings"
	"time"

	"golang.org/x/time/rate"

	"daybrief/internal/config"
	"daybrief/internal/fetch"
	"daybrief/internal/job/runner"
	"daybrief/internal/merge"
	"daybrief/internal/observability/pprof"
	"daybrief/internal/source/garmin"
	"daybrief/internal/source/gcal"
	"daybrief/internal/source/outlook"
	"daybrief/internal/source/whoop"
	logx "daybrief/pkg/logx"
)

// resolveLocation maps the configured timezone to a location. Empty means
// UTC so scheduling and rendering agree regardless of the host zone.
func resolveLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func mapLogxConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:   cfg.Logging.Alert.Enabled,
			MinLevel:  cfg.Logging.Alert.MinLevel,
			PerMinute: cfg.Logging.Alert.PerMinute,
		},
	}
}

// alertChannel is the sink used for job-failure notices. Delivery falls back
// to the log sink when the named sink is not registered.
func alertChannel(cfg *Config) string {
	ch := strings.TrimSpace(cfg.Logging.Alert.Channel)
	if ch == "" {
		return "telegram"
	}
	return ch
}

// alertLimiter throttles failure notices so a crash-looping job cannot
// flood the alert channel.
func alertLimiter(cfg *Config) *rate.Limiter {
	pm := cfg.Logging.Alert.PerMinute
	if pm <= 0 {
		pm = 6
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(pm)), pm)
}

func mapRunnerConfig(cfg *Config) (runner.Config, error) {
	rc := cfg.Runner
	defTimeout, err := parseDurationField("runner.default_timeout", rc.DefaultTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("runner.max_queue_delay", rc.MaxQueueDelay)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Workers:        rc.Workers,
		QueueSize:      rc.QueueSize,
		HistorySize:    rc.HistorySize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
	}, nil
}

// mapJobOptions merges the runner-wide retry policy with one job's
// overrides. Zero fields fall back to runner defaults at execution time.
func mapJobOptions(cfg *Config, jc config.JobConfig) (runner.Options, error) {
	retry := cfg.Runner.Retry
	base, err := parseDurationField("runner.retry.base", retry.Base)
	if err != nil {
		return runner.Options{}, err
	}
	maxDelay, err := parseDurationField("runner.retry.max_delay", retry.MaxDelay)
	if err != nil {
		return runner.Options{}, err
	}
	timeout, err := parseDurationField("jobs."+jc.Name+".timeout", jc.Timeout)
	if err != nil {
		return runner.Options{}, err
	}

	attempts := retry.MaxAttempts
	if jc.MaxAttempts > 0 {
		attempts = jc.MaxAttempts
	}
	return runner.Options{
		Timeout:          timeout,
		MaxAttempts:      attempts,
		RetryBase:        base,
		RetryMaxDelay:    maxDelay,
		Jitter:           retry.Jitter,
		FailureTolerance: jc.FailureTolerance,
	}, nil
}

func mapFetchOptions(cfg *Config) (fetch.Options, error) {
	per, err := parseDurationField("fetch.per_source_timeout", cfg.Fetch.PerSourceTimeout)
	if err != nil {
		return fetch.Options{}, err
	}
	agg, err := parseDurationField("fetch.aggregate_timeout", cfg.Fetch.AggregateTimeout)
	if err != nil {
		return fetch.Options{}, err
	}
	return fetch.Options{PerSourceTimeout: per, AggregateTimeout: agg}, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	pc := cfg.Pprof
	rt, err := parseDurationField("pprof.read_timeout", pc.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	wt, err := parseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := parseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}, nil
}

func mapHealthRules(cfg *Config) []merge.FieldRule {
	hp := cfg.Merge.HealthPriority
	if len(hp) == 0 {
		hp = []string{whoop.ID, garmin.ID}
	}
	sp := cfg.Merge.StepsPriority
	if len(sp) == 0 {
		sp = []string{garmin.ID, whoop.ID}
	}
	return merge.HealthRules(hp, sp)
}

func mapCalendarPolicy(cfg *Config) merge.CalendarPolicy {
	pr := cfg.Merge.CalendarPriority
	if len(pr) == 0 {
		pr = []string{gcal.ID, outlook.ID}
	}
	return merge.CalendarPolicy{Priority: pr, TitleMatch: cfg.Merge.TitleMatch}
}
