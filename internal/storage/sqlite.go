//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "daybrief/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r JobRun) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job run requires a job id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_id, attempt, started_at, ended_at, outcome, failed, reason)
		 VALUES(?,?,?,?,?,?,?)`,
		r.JobID, r.Attempt,
		r.StartedAt.Format(time.RFC3339Nano), r.EndedAt.Format(time.RFC3339Nano),
		r.Outcome, nullStr(encodeStrings(r.Failed)), nullStr(r.Reason),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, jobID string, n int) ([]JobRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, attempt, started_at, ended_at, outcome, failed, reason
		 FROM runs WHERE job_id = ? ORDER BY id DESC LIMIT ?`,
		jobID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var (
			r              JobRun
			started, ended string
			failed, reason sql.NullString
		)
		if err := rows.Scan(&r.JobID, &r.Attempt, &started, &ended, &r.Outcome, &failed, &reason); err != nil {
			return nil, err
		}
		r.StartedAt = parseStoredTime(started)
		r.EndedAt = parseStoredTime(ended)
		r.Failed = decodeStrings(failed.String)
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSyncState(ctx context.Context, st SyncState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	st.Source = strings.TrimSpace(st.Source)
	if st.Source == "" {
		return errors.New("sync state requires a source")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO syncstate(source, last_sync, last_success, last_error, sync_count)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(source) DO UPDATE SET
		   last_sync=excluded.last_sync,
		   last_success=excluded.last_success,
		   last_error=excluded.last_error,
		   sync_count=excluded.sync_count`,
		st.Source, st.LastSync.Format(time.RFC3339Nano),
		nullStr(formatStoredTime(st.LastSuccess)), nullStr(st.LastError), st.SyncCount,
	)
	return err
}

func (s *sqliteStore) GetSyncState(ctx context.Context, src string) (SyncState, bool, error) {
	if s == nil || s.db == nil {
		return SyncState{}, false, ErrDisabled
	}
	src = strings.TrimSpace(src)
	if src == "" {
		return SyncState{}, false, nil
	}
	var (
		st                     SyncState
		lastSync               string
		lastSuccess, lastError sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT source, last_sync, last_success, last_error, sync_count FROM syncstate WHERE source = ?`,
		src,
	).Scan(&st.Source, &lastSync, &lastSuccess, &lastError, &st.SyncCount)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, err
	}
	st.LastSync = parseStoredTime(lastSync)
	st.LastSuccess = parseStoredTime(lastSuccess.String)
	st.LastError = lastError.String
	return st, true, nil
}

func (s *sqliteStore) AppendArtifact(ctx context.Context, a ArtifactRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	var meta string
	if len(a.Meta) > 0 {
		b, err := json.Marshal(a.Meta)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts(at, job_id, kind, title, body, meta) VALUES(?,?,?,?,?,?)`,
		a.At.Format(time.RFC3339Nano), nullStr(a.JobID), a.Kind, nullStr(a.Title), a.Body, nullStr(meta),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeStrings(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseStoredTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
