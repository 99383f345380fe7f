package app

import (
	"context"
	"strings"
	"testing"

	"daybrief/internal/config"
)

// baseConfig is a valid config exercising most sections; cases mutate it.
func baseConfig() *Config {
	return &Config{
		Timezone: "Europe/Amsterdam",
		Logging:  config.LoggingConfig{Level: "info"},
		Storage:  &config.StorageConfig{Driver: "none"},
		Fetch:    config.FetchConfig{PerSourceTimeout: "20s", AggregateTimeout: "45s"},
		Runner: config.RunnerConfig{
			Workers:        2,
			QueueSize:      64,
			DefaultTimeout: "2m",
			Retry:          config.RetryConfig{MaxAttempts: 3, Base: "500ms", MaxDelay: "15s", Jitter: 0.2},
		},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid with defaults", func(c *Config) {}, ""},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"unknown storage driver", func(c *Config) {
			c.Storage = &config.StorageConfig{Driver: "redis", Path: "/tmp/x"}
		}, "storage.driver"},
		{"file storage without path", func(c *Config) {
			c.Storage = &config.StorageConfig{Driver: "file"}
		}, "storage.path"},
		{"bad fetch duration", func(c *Config) { c.Fetch.PerSourceTimeout = "soon" }, "fetch.per_source_timeout"},
		{"negative workers", func(c *Config) { c.Runner.Workers = -1 }, "runner.workers"},
		{"bad runner timeout", func(c *Config) { c.Runner.DefaultTimeout = "fast" }, "runner.default_timeout"},
		{"bad retry jitter", func(c *Config) { c.Runner.Retry.Jitter = 1.5 }, "jitter"},
		{"bad title match", func(c *Config) { c.Merge.TitleMatch = "fuzzy" }, "title_match"},
		{"negative hrv floor", func(c *Config) { c.Alerts.HRVLow = -1 }, "hrv_low"},
		{"unknown alert channel", func(c *Config) { c.Logging.Alert.Channel = "pager" }, "logging.alert.channel"},
		{"unknown pipeline", func(c *Config) {
			c.Jobs = []config.JobConfig{{Name: "x", Pipeline: "mystery", Schedule: "every:5m"}}
		}, "unknown pipeline"},
		{"bad schedule", func(c *Config) {
			c.Jobs = []config.JobConfig{{Name: "x", Pipeline: "briefing", Schedule: "whenever"}}
		}, "jobs.x"},
		{"duplicate job name", func(c *Config) {
			c.Jobs = []config.JobConfig{
				{Name: "x", Pipeline: "briefing", Schedule: "every:5m"},
				{Name: "x", Pipeline: "data_sync", Schedule: "every:10m"},
			}
		}, "duplicate"},
		{"unknown channel", func(c *Config) {
			c.Jobs = []config.JobConfig{{Name: "x", Pipeline: "briefing", Schedule: "every:5m", Channels: []string{"chat"}}}
		}, "unknown channel"},
		{"negative tolerance", func(c *Config) {
			c.Jobs = []config.JobConfig{{Name: "x", Pipeline: "briefing", Schedule: "every:5m", FailureTolerance: -1}}
		}, "failure_tolerance"},
		{"negative attempts", func(c *Config) {
			c.Jobs = []config.JobConfig{{Name: "x", Pipeline: "briefing", Schedule: "every:5m", MaxAttempts: -2}}
		}, "max_attempts"},
		{"bad job timeout", func(c *Config) {
			c.Jobs = []config.JobConfig{{Name: "x", Pipeline: "briefing", Schedule: "every:5m", Timeout: "later"}}
		}, "jobs.x.timeout"},
		{"whoop missing credentials", func(c *Config) {
			c.Sources.Whoop.Enabled = true
		}, "sources.whoop"},
		{"whoop token file suffices", func(c *Config) {
			c.Sources.Whoop.Enabled = true
			c.Sources.Whoop.TokenFile = "/var/lib/daybrief/whoop.json"
		}, ""},
		{"garmin missing token", func(c *Config) {
			c.Sources.Garmin.Enabled = true
		}, "sources.garmin"},
		{"gcal missing token", func(c *Config) {
			c.Sources.GCal.Enabled = true
		}, "sources.gcal"},
		{"outlook missing token", func(c *Config) {
			c.Sources.Outlook.Enabled = true
		}, "sources.outlook"},
		{"vault missing dir", func(c *Config) {
			c.Sources.Vault.Enabled = true
		}, "sources.vault"},
		{"homeassist missing endpoint", func(c *Config) {
			c.Sources.HomeAssist.Enabled = true
		}, "sources.homeassist"},
		{"homeassist with endpoint", func(c *Config) {
			c.Sources.HomeAssist.Enabled = true
			c.HomeAssistant.BaseURL = "http://ha.local:8123"
			c.HomeAssistant.Token = "tok"
		}, ""},
		{"netprobe needs nothing", func(c *Config) {
			c.Sources.Netprobe.Enabled = true
		}, ""},
		{"telegram sink missing token", func(c *Config) {
			c.Sinks.Telegram.Enabled = true
			c.Sinks.Telegram.ChatID = 42
		}, "sinks.telegram"},
		{"telegram sink missing chat", func(c *Config) {
			c.Sinks.Telegram.Enabled = true
			c.Sinks.Telegram.Token = "123:abc"
		}, "chat_id"},
		{"vault sink missing dir", func(c *Config) {
			c.Sinks.Vault.Enabled = true
		}, "sinks.vault"},
		{"voice sink missing homeassistant", func(c *Config) {
			c.Sinks.Voice.Enabled = true
		}, "sinks.voice"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			err := validateConfig(context.Background(), cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateConfigDefaultJobs(t *testing.T) {
	t.Parallel()
	// The built-in job table must pass its own validation.
	cfg := baseConfig()
	cfg.Jobs = nil
	if err := validateConfig(context.Background(), cfg); err != nil {
		t.Fatalf("default jobs rejected: %v", err)
	}
	if got := len(effectiveJobs(cfg)); got != len(config.DefaultJobs()) {
		t.Fatalf("effectiveJobs = %d jobs, want %d", got, len(config.DefaultJobs()))
	}
}
