package app

import (
	"context"
	"fmt"
	"strings"

	"daybrief/internal/config"
	"daybrief/internal/job/scheduler"
)

// knownPipelines gates the job table; buildHandler must resolve exactly
// this set.
var knownPipelines = map[string]bool{
	"briefing":      true,
	"reflection":    true,
	"health_pulse":  true,
	"data_sync":     true,
	"token_refresh": true,
	"source_probe":  true,
}

// knownChannels is the full sink vocabulary, not the enabled subset: a job
// may name a disabled sink and lose that channel at delivery time.
var knownChannels = map[string]bool{
	"telegram": true,
	"vault":    true,
	"voice":    true,
	"log":      true,
}

// validateConfig is used both at startup (fatal) and as the hot-reload
// validator (invalid commits are rejected and the old config stays live).
func validateConfig(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := resolveLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone: invalid %q: %w", cfg.Timezone, err)
	}

	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchOptions(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if err := validateRunner(cfg); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Merge.TitleMatch)) {
	case "", "basic", "aggressive":
	default:
		return fmt.Errorf("merge.title_match must be basic or aggressive")
	}
	if cfg.Alerts.HRVLow < 0 {
		return fmt.Errorf("alerts.hrv_low must be >= 0")
	}
	if ch := strings.TrimSpace(cfg.Logging.Alert.Channel); ch != "" && !knownChannels[ch] {
		return fmt.Errorf("logging.alert.channel: unknown sink %q", ch)
	}

	if err := validateSources(cfg); err != nil {
		return err
	}
	if err := validateSinks(cfg); err != nil {
		return err
	}
	return validateJobs(cfg)
}

func validateRunner(cfg *Config) error {
	rc := cfg.Runner
	if rc.Workers < 0 {
		return fmt.Errorf("runner.workers must be >= 0")
	}
	if rc.QueueSize < 0 {
		return fmt.Errorf("runner.queue_size must be >= 0")
	}
	if rc.HistorySize < 0 {
		return fmt.Errorf("runner.history_size must be >= 0")
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if rc.Retry.MaxAttempts < 0 {
		return fmt.Errorf("runner.retry.max_attempts must be >= 0")
	}
	if rc.Retry.Jitter < 0 || rc.Retry.Jitter > 1 {
		return fmt.Errorf("runner.retry.jitter must be within [0, 1]")
	}
	if _, err := parseDurationField("runner.retry.base", rc.Retry.Base); err != nil {
		return err
	}
	if _, err := parseDurationField("runner.retry.max_delay", rc.Retry.MaxDelay); err != nil {
		return err
	}
	return nil
}

// validateSources rejects enabled sources whose credentials are missing;
// a source that cannot possibly connect should fail at parse time, not at
// the first scheduled fetch.
func validateSources(cfg *Config) error {
	s := cfg.Sources
	if s.Whoop.Enabled {
		if strings.TrimSpace(s.Whoop.AccessToken) == "" &&
			strings.TrimSpace(s.Whoop.RefreshToken) == "" &&
			strings.TrimSpace(s.Whoop.TokenFile) == "" {
			return fmt.Errorf("sources.whoop: access_token, refresh_token, or token_file required")
		}
	}
	if s.Garmin.Enabled && strings.TrimSpace(s.Garmin.Token) == "" {
		return fmt.Errorf("sources.garmin: token required")
	}
	if s.GCal.Enabled && strings.TrimSpace(s.GCal.Token) == "" {
		return fmt.Errorf("sources.gcal: token required")
	}
	if s.Outlook.Enabled && strings.TrimSpace(s.Outlook.Token) == "" {
		return fmt.Errorf("sources.outlook: token required")
	}
	if s.Vault.Enabled && strings.TrimSpace(s.Vault.Dir) == "" {
		return fmt.Errorf("sources.vault: dir required")
	}
	if s.HomeAssist.Enabled {
		if strings.TrimSpace(cfg.HomeAssistant.BaseURL) == "" || strings.TrimSpace(cfg.HomeAssistant.Token) == "" {
			return fmt.Errorf("sources.homeassist: homeassistant.base_url and homeassistant.token required")
		}
	}
	return nil
}

func validateSinks(cfg *Config) error {
	s := cfg.Sinks
	if s.Telegram.Enabled {
		if strings.TrimSpace(s.Telegram.Token) == "" {
			return fmt.Errorf("sinks.telegram: token required")
		}
		if s.Telegram.ChatID == 0 {
			return fmt.Errorf("sinks.telegram: chat_id required")
		}
	}
	if s.Vault.Enabled && strings.TrimSpace(s.Vault.Dir) == "" {
		return fmt.Errorf("sinks.vault: dir required")
	}
	if s.Voice.Enabled && strings.TrimSpace(cfg.HomeAssistant.BaseURL) == "" {
		return fmt.Errorf("sinks.voice: homeassistant.base_url required")
	}
	return nil
}

func validateJobs(cfg *Config) error {
	seen := make(map[string]bool)
	for _, j := range effectiveJobs(cfg) {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs: name required")
		}
		if seen[name] {
			return fmt.Errorf("jobs.%s: duplicate name", name)
		}
		seen[name] = true

		if !knownPipelines[j.Pipeline] {
			return fmt.Errorf("jobs.%s: unknown pipeline %q", name, j.Pipeline)
		}
		if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
			return fmt.Errorf("jobs.%s: %w", name, err)
		}
		for _, ch := range j.Channels {
			if !knownChannels[ch] {
				return fmt.Errorf("jobs.%s: unknown channel %q", name, ch)
			}
		}
		if j.MaxAttempts < 0 {
			return fmt.Errorf("jobs.%s: max_attempts must be >= 0", name)
		}
		if j.FailureTolerance < 0 {
			return fmt.Errorf("jobs.%s: failure_tolerance must be >= 0", name)
		}
		if _, err := parseDurationField("jobs."+name+".timeout", j.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// effectiveJobs falls back to the default job table when the config omits
// the jobs section entirely.
func effectiveJobs(cfg *Config) []config.JobConfig {
	if len(cfg.Jobs) > 0 {
		return cfg.Jobs
	}
	return config.DefaultJobs()
}
