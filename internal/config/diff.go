package config

import (
	"reflect"
	"sort"
	"strings"

	logx "daybrief/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of jobs whose definition changed (added/removed/edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
			logx.String("logx.alert_channel", newCfg.Logging.Alert.Channel),
		)
	}

	// Storage. Nil means disabled; never log the path itself.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Fetch
	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.String("fetch.per_source_timeout", strings.TrimSpace(newCfg.Fetch.PerSourceTimeout)),
			logx.String("fetch.aggregate_timeout", strings.TrimSpace(newCfg.Fetch.AggregateTimeout)),
		)
	}

	// Runner
	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Int("runner.workers", newCfg.Runner.Workers),
			logx.Int("runner.queue_size", newCfg.Runner.QueueSize),
			logx.Int("runner.history_size", newCfg.Runner.HistorySize),
			logx.String("runner.default_timeout", strings.TrimSpace(newCfg.Runner.DefaultTimeout)),
			logx.Int("runner.retry_max_attempts", newCfg.Runner.Retry.MaxAttempts),
		)
	}

	// Merge
	if !reflect.DeepEqual(oldCfg.Merge, newCfg.Merge) {
		changed = append(changed, "merge")
		attrs = append(attrs,
			logx.Any("merge.health_priority", newCfg.Merge.HealthPriority),
			logx.Any("merge.steps_priority", newCfg.Merge.StepsPriority),
			logx.Any("merge.calendar_priority", newCfg.Merge.CalendarPriority),
			logx.String("merge.title_match", newCfg.Merge.TitleMatch),
		)
	}

	// Alerts
	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs, logx.Float64("alerts.hrv_low", newCfg.Alerts.HRVLow))
	}

	// Home Assistant endpoint (never log token)
	if strings.TrimSpace(oldCfg.HomeAssistant.BaseURL) != strings.TrimSpace(newCfg.HomeAssistant.BaseURL) ||
		(strings.TrimSpace(oldCfg.HomeAssistant.Token) != "") != (strings.TrimSpace(newCfg.HomeAssistant.Token) != "") {
		changed = append(changed, "homeassistant")
		attrs = append(attrs,
			logx.String("homeassistant.base_url", strings.TrimSpace(newCfg.HomeAssistant.BaseURL)),
			logx.Bool("homeassistant.token_set", strings.TrimSpace(newCfg.HomeAssistant.Token) != ""),
		)
	}

	// Sources (summarize only; tokens stay out of logs)
	if srcs := diffSources(oldCfg.Sources, newCfg.Sources); len(srcs) > 0 {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.Int("sources.changed_count", len(srcs)),
			logx.Any("sources.changed", srcs),
			logx.Int("sources.enabled_count", countEnabledSources(newCfg.Sources)),
		)
	}

	// Sinks (never log tokens; chat/thread IDs are fine)
	if !reflect.DeepEqual(redactSinks(oldCfg.Sinks), redactSinks(newCfg.Sinks)) ||
		(strings.TrimSpace(oldCfg.Sinks.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Sinks.Telegram.Token) != "") {
		changed = append(changed, "sinks")
		attrs = append(attrs,
			logx.Bool("sinks.telegram_enabled", newCfg.Sinks.Telegram.Enabled),
			logx.Bool("sinks.vault_enabled", newCfg.Sinks.Vault.Enabled),
			logx.Bool("sinks.voice_enabled", newCfg.Sinks.Voice.Enabled),
		)
	}

	// Jobs
	changedJobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(changedJobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(changedJobs)),
			logx.Int("jobs.total", len(newCfg.Jobs)),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs, changedJobs
}

func diffSources(o, n SourcesConfig) []string {
	out := make([]string, 0, 7)
	if !reflect.DeepEqual(o.Whoop, n.Whoop) {
		out = append(out, "whoop")
	}
	if !reflect.DeepEqual(o.Garmin, n.Garmin) {
		out = append(out, "garmin")
	}
	if !reflect.DeepEqual(o.GCal, n.GCal) {
		out = append(out, "gcal")
	}
	if !reflect.DeepEqual(o.Outlook, n.Outlook) {
		out = append(out, "outlook")
	}
	if !reflect.DeepEqual(o.Vault, n.Vault) {
		out = append(out, "vault")
	}
	if !reflect.DeepEqual(o.HomeAssist, n.HomeAssist) {
		out = append(out, "homeassist")
	}
	if !reflect.DeepEqual(o.Netprobe, n.Netprobe) {
		out = append(out, "netprobe")
	}
	return out
}

func countEnabledSources(s SourcesConfig) int {
	n := 0
	for _, enabled := range []bool{
		s.Whoop.Enabled, s.Garmin.Enabled, s.GCal.Enabled, s.Outlook.Enabled,
		s.Vault.Enabled, s.HomeAssist.Enabled, s.Netprobe.Enabled,
	} {
		if enabled {
			n++
		}
	}
	return n
}

// redactSinks blanks secret fields so DeepEqual compares shape, not tokens.
func redactSinks(s SinksConfig) SinksConfig {
	s.Telegram.Token = ""
	return s
}

// diffJobs reports names whose definition changed, was added, or removed.
func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		oldM[j.Name] = j
	}
	newM := make(map[string]JobConfig, len(newJobs))
	for _, j := range newJobs {
		newM[j.Name] = j
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
