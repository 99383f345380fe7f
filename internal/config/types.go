package config

type Config struct {
	// Timezone is the IANA zone used by wall-clock schedules and by
	// artifact rendering. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Fetch   FetchConfig    `json:"fetch,omitempty"`
	Runner  RunnerConfig   `json:"runner,omitempty"`
	Merge   MergeConfig    `json:"merge,omitempty"`
	Alerts  AlertsConfig   `json:"alerts,omitempty"`

	HomeAssistant HomeAssistantConfig `json:"homeassistant,omitempty"`

	Sources SourcesConfig `json:"sources,omitempty"`
	Sinks   SinksConfig   `json:"sinks,omitempty"`

	// Jobs is the scheduled job table. Omitted or empty falls back to
	// DefaultJobs().
	Jobs []JobConfig `json:"jobs,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards error-and-above records to a delivery channel.
type LoggingAlert struct {
	Enabled   bool   `json:"enabled"`
	MinLevel  string `json:"min_level,omitempty"`
	PerMinute int    `json:"per_minute,omitempty"`
	Channel   string `json:"channel,omitempty"` // sink name, default "telegram"
}

// StorageConfig controls the optional persistence layer. A nil section or
// driver "none" disables persistence.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FetchConfig bounds the fetch coordinator. Durations are Go duration
// strings; zero values fall back to 20s / 45s.
type FetchConfig struct {
	PerSourceTimeout string `json:"per_source_timeout,omitempty"`
	AggregateTimeout string `json:"aggregate_timeout,omitempty"`
}

// RunnerConfig controls the job execution pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - history_size: 200
//   - default_timeout: "2m"
//   - max_queue_delay: "0s" (disabled)
type RunnerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	Retry RetryConfig `json:"retry,omitempty"`
}

// RetryConfig is the runner-wide retry policy; per-job keys override it.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"` // total attempts, default 3
	Base        string  `json:"base,omitempty"`         // default "500ms"
	MaxDelay    string  `json:"max_delay,omitempty"`    // default "15s"
	Jitter      float64 `json:"jitter,omitempty"`       // default 0.2
}

// MergeConfig selects merger priorities. The lists are source IDs; sources
// not listed still contribute as a lexicographic fallback tail.
type MergeConfig struct {
	HealthPriority   []string `json:"health_priority,omitempty"`   // default [whoop, garmin]
	StepsPriority    []string `json:"steps_priority,omitempty"`    // default [garmin, whoop]
	CalendarPriority []string `json:"calendar_priority,omitempty"` // default [gcal, outlook]
	TitleMatch       string   `json:"title_match,omitempty"`       // basic|aggressive
}

type AlertsConfig struct {
	// HRVLow triggers the health-pulse voice alert when the merged HRV
	// drops below it. 0 keeps the default of 30 ms.
	HRVLow float64 `json:"hrv_low,omitempty"`
}

// HomeAssistantConfig is the shared Home Assistant endpoint used by the
// homeassist source and the voice sink.
type HomeAssistantConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"`
}

type SourcesConfig struct {
	Whoop      WhoopSource      `json:"whoop,omitempty"`
	Garmin     GarminSource     `json:"garmin,omitempty"`
	GCal       CalendarSource   `json:"gcal,omitempty"`
	Outlook    CalendarSource   `json:"outlook,omitempty"`
	Vault      VaultSource      `json:"vault,omitempty"`
	HomeAssist HomeAssistSource `json:"homeassist,omitempty"`
	Netprobe   NetprobeSource   `json:"netprobe,omitempty"`
}

type WhoopSource struct {
	Enabled      bool   `json:"enabled"`
	BaseURL      string `json:"base_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// TokenFile persists rotated token pairs across restarts (0600).
	TokenFile string `json:"token_file,omitempty"`
	PerMinute int    `json:"per_minute,omitempty"`
}

type GarminSource struct {
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"base_url,omitempty"`
	Token     string `json:"token,omitempty"`
	PerMinute int    `json:"per_minute,omitempty"`
}

// CalendarSource covers both gcal and outlook.
type CalendarSource struct {
	Enabled    bool   `json:"enabled"`
	BaseURL    string `json:"base_url,omitempty"`
	Token      string `json:"token,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	PerMinute  int    `json:"per_minute,omitempty"`
}

type VaultSource struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
	// DailyNoteDir is relative to Dir; empty scans Dir itself.
	DailyNoteDir string `json:"daily_note_dir,omitempty"`
	PerMinute    int    `json:"per_minute,omitempty"`
}

type HomeAssistSource struct {
	Enabled       bool   `json:"enabled"`
	WeatherEntity string `json:"weather_entity,omitempty"` // default "weather.home"
	PerMinute     int    `json:"per_minute,omitempty"`
}

type NetprobeSource struct {
	Enabled        bool  `json:"enabled"`
	MaxConnections int   `json:"max_connections,omitempty"` // default 4
	SavingMode     *bool `json:"saving_mode,omitempty"`     // default true
	PerMinute      int   `json:"per_minute,omitempty"`
}

type SinksConfig struct {
	Telegram TelegramSink `json:"telegram,omitempty"`
	Vault    VaultSink    `json:"vault,omitempty"`
	Voice    VoiceSink    `json:"voice,omitempty"`
}

type TelegramSink struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type VaultSink struct {
	Enabled      bool   `json:"enabled"`
	Dir          string `json:"dir,omitempty"`
	DailyNoteDir string `json:"daily_note_dir,omitempty"`
}

type VoiceSink struct {
	Enabled     bool   `json:"enabled"`
	TTSService  string `json:"tts_service,omitempty"`  // default "google_translate_say"
	MediaPlayer string `json:"media_player,omitempty"` // default "media_player.kitchen"
}

// JobConfig is one scheduled job. Enabled is a pointer so "omitted"
// (default true) is distinguishable from an explicit false.
type JobConfig struct {
	Name     string   `json:"name"`
	Pipeline string   `json:"pipeline"`
	Schedule string   `json:"schedule"`
	Channels []string `json:"channels,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`

	// Runner overrides. Zero values fall back to runner defaults.
	Timeout          string `json:"timeout,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	FailureTolerance int    `json:"failure_tolerance,omitempty"`
	// Required makes any per-source failure fail the attempt regardless
	// of tolerance.
	Required bool `json:"required,omitempty"`
}

// IsEnabled treats an omitted enabled key as true.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// DefaultJobs is the job table used when the config omits the jobs section.
func DefaultJobs() []JobConfig {
	return []JobConfig{
		{Name: "morning_briefing", Pipeline: "briefing", Schedule: "daily:06:30", Channels: []string{"telegram", "vault"}},
		{Name: "evening_reflection", Pipeline: "reflection", Schedule: "daily:21:00", Channels: []string{"vault"}},
		{Name: "health_pulse", Pipeline: "health_pulse", Schedule: "every:2h", Channels: []string{"voice", "telegram"}},
		{Name: "data_sync", Pipeline: "data_sync", Schedule: "every:15m", FailureTolerance: 2},
		{Name: "token_refresh", Pipeline: "token_refresh", Schedule: "every:30m"},
		{Name: "source_probe", Pipeline: "source_probe", Schedule: "every:10m"},
	}
}
