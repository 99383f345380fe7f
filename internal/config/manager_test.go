package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
timezone: "America/Los_Angeles"
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
  alert: {enabled: true, min_level: error, per_minute: 6, channel: telegram}
storage:
  driver: file
  path: ./store
fetch:
  per_source_timeout: 20s
  aggregate_timeout: 45s
runner:
  workers: 2
  queue_size: 64
  retry: {max_attempts: 3, base: 500ms, max_delay: 15s, jitter: 0.2}
merge:
  health_priority: [whoop, garmin]
  steps_priority: [garmin, whoop]
  calendar_priority: [gcal, outlook]
  title_match: basic
sources:
  whoop: {enabled: true, base_url: "https://api.example", client_id: "id", client_secret: "sec", access_token: "at", refresh_token: "rt", per_minute: 60}
  vault: {enabled: true, dir: "/tmp/vault"}
sinks:
  telegram: {enabled: true, token: "123:abc", chat_id: 42}
jobs:
  - {name: morning_briefing, pipeline: briefing, schedule: "daily:06:30", channels: [telegram]}
  - {name: data_sync, pipeline: data_sync, schedule: "every:15m", failure_tolerance: 2}
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timezone != "America/Los_Angeles" {
		t.Fatalf("timezone = %q", cfg.Timezone)
	}
	if !cfg.Sources.Whoop.Enabled || cfg.Sources.Whoop.PerMinute != 60 {
		t.Fatalf("whoop source = %+v", cfg.Sources.Whoop)
	}
	if cfg.Runner.Retry.Jitter != 0.2 {
		t.Fatalf("retry jitter = %v", cfg.Runner.Retry.Jitter)
	}
	if len(cfg.Jobs) != 2 || cfg.Jobs[1].FailureTolerance != 2 {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if !cfg.Jobs[0].IsEnabled() {
		t.Fatal("omitted enabled must default to true")
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", "loging:\n  level: info\n"))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("expected unknown-field error, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.json", `{"timezone":"UTC"}{"timezone":"UTC"}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestDefaultJobsTable(t *testing.T) {
	t.Parallel()
	jobs := DefaultJobs()
	names := map[string]bool{}
	for _, j := range jobs {
		if names[j.Name] {
			t.Fatalf("duplicate default job %q", j.Name)
		}
		names[j.Name] = true
		if j.Pipeline == "" || j.Schedule == "" {
			t.Fatalf("incomplete default job: %+v", j)
		}
	}
	for _, want := range []string{"morning_briefing", "evening_reflection", "health_pulse", "data_sync", "token_refresh", "source_probe"} {
		if !names[want] {
			t.Fatalf("missing default job %q", want)
		}
	}
}

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Timezone: "UTC",
		Logging:  LoggingConfig{Level: "debug"},
		Jobs:     []JobConfig{{Name: "data_sync", Pipeline: "data_sync", Schedule: "every:5m"}},
	}
	changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg)

	want := map[string]bool{"logging": true, "timezone": true, "jobs": true}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected changed section %q (all: %v)", c, changed)
		}
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing sections: %v", want)
	}
	if len(jobs) != 1 || jobs[0] != "data_sync" {
		t.Fatalf("changed jobs = %v", jobs)
	}
}

func TestDiffJobsAddRemoveEdit(t *testing.T) {
	t.Parallel()
	oldJobs := []JobConfig{
		{Name: "a", Pipeline: "briefing", Schedule: "daily:06:30"},
		{Name: "b", Pipeline: "data_sync", Schedule: "every:15m"},
	}
	newJobs := []JobConfig{
		{Name: "a", Pipeline: "briefing", Schedule: "daily:07:00"}, // edited
		{Name: "c", Pipeline: "reflection", Schedule: "daily:21:00"},
	}
	got := diffJobs(oldJobs, newJobs)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("diffJobs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("diffJobs = %v, want %v", got, want)
		}
	}
}
