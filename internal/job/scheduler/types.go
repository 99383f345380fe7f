package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "daybrief/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Amsterdam"
}

// Job is a named trigger definition. The scheduler only decides when to
// fire; what a fire does is the closure registered with Add. Pipeline and
// Channels are carried for snapshots and diagnostics only.
type Job struct {
	Name     string
	Pipeline string
	Channels []string
	Trigger  Trigger
	Enabled  bool
}

type entry struct {
	job  Job
	fire func()

	// cron-kind state
	entryID cron.EntryID

	// interval-kind state; version guards stale timer callbacks
	timer   *time.Timer
	version uint64
	nextAt  time.Time

	lastFire atomic.Int64 // unix nanos of the most recent fire, 0 if never
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron // nil until Start

	entries map[string]*entry
	order   []string // registration order, for stable snapshots
}

// JobInfo is one job's view in Snapshot.
type JobInfo struct {
	Name     string
	Pipeline string
	Spec     string
	Kind     string
	Enabled  bool
	State    string // "disabled" | "idle" | "armed" | "running"
	Next     time.Time
	LastFire time.Time
	Channels []string
}

type Snapshot struct {
	Timezone string
	Jobs     []JobInfo
}
