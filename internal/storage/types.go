package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRun records one job attempt.
// Keep it compact and schema-stable.
type JobRun struct {
	JobID     string    `json:"job_id"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Failed    []string  `json:"failed,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// SyncState tracks the last synchronization of one source.
type SyncState struct {
	Source      string    `json:"source"`
	LastSync    time.Time `json:"last_sync"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	SyncCount   int64     `json:"sync_count"`
}

// ArtifactRecord archives one rendered artifact.
type ArtifactRecord struct {
	At    time.Time         `json:"at"`
	JobID string            `json:"job_id,omitempty"`
	Kind  string            `json:"kind"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Meta  map[string]string `json:"meta,omitempty"`
}
