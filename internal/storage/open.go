package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "daybrief/pkg/logx"
)

// Store is the minimal persistence API used by the runner and pipelines.
type Store interface {
	AppendRun(ctx context.Context, r JobRun) error
	RecentRuns(ctx context.Context, jobID string, n int) ([]JobRun, error)
	PutSyncState(ctx context.Context, st SyncState) error
	GetSyncState(ctx context.Context, src string) (SyncState, bool, error)
	AppendArtifact(ctx context.Context, a ArtifactRecord) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store. An empty or "none" driver returns
// (nil, nil); callers treat a nil Store as persistence disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
