package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "daybrief/pkg/logx"
)

// maxRunsPerJob bounds the in-memory run index per job. The on-disk log
// keeps everything; only queries are bounded.
const maxRunsPerJob = 200

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl               (append-only JSON Lines)
//   - <prefix>.artifacts.jsonl          (append-only JSON Lines)
//   - <prefix>.syncstate.snapshot.json  (periodic snapshot)
//   - <prefix>.syncstate.journal.jsonl  (append-only journal)
//   - <prefix>.dedup.snapshot.json      (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl      (append-only journal)
//
// Journals are periodically compacted into their snapshots. The runs log is
// replayed on open into a bounded per-job index so RecentRuns never scans
// the file per query.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile *os.File
	runs     map[string][]JobRun // per job, oldest first

	artifactFile *os.File

	syncSnapshotPath string
	syncJournalFile  *os.File
	syncStates       map[string]SyncState
	syncWrites       int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	artifactsPath := prefix + ".artifacts.jsonl"
	syncSnapPath := prefix + ".syncstate.snapshot.json"
	syncJournalPath := prefix + ".syncstate.journal.jsonl"
	dedupSnapPath := prefix + ".dedup.snapshot.json"
	dedupJournalPath := prefix + ".dedup.journal.jsonl"

	// Rebuild the run index before switching the file to append mode.
	runs := map[string][]JobRun{}
	_ = replayRuns(runsPath, runs, maxRunsPerJob)

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(artifactsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	// Load sync state from snapshot + journal.
	syncStates := map[string]SyncState{}
	_ = loadSyncSnapshot(syncSnapPath, syncStates)
	_ = replaySyncJournal(syncJournalPath, syncStates)

	sjf, err := os.OpenFile(syncJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		_ = af.Close()
		return nil, err
	}

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(dedupSnapPath, dedup)
	_ = replayDedupJournal(dedupJournalPath, dedup)
	pruneExpiredDedup(dedup)

	djf, err := os.OpenFile(dedupJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		_ = af.Close()
		_ = sjf.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		runsFile:          rf,
		runs:              runs,
		artifactFile:      af,
		syncSnapshotPath:  syncSnapPath,
		syncJournalFile:   sjf,
		syncStates:        syncStates,
		dedupSnapshotPath: dedupSnapPath,
		dedupJournalFile:  djf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	closeOne := func(f **os.File) {
		if *f == nil {
			return
		}
		if err := (*f).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*f = nil
	}
	closeOne(&s.runsFile)
	closeOne(&s.artifactFile)
	closeOne(&s.syncJournalFile)
	closeOne(&s.dedupJournalFile)
	return firstErr
}

func (s *fileStore) AppendRun(ctx context.Context, r JobRun) error {
	_ = ctx
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job run requires a job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	enc := json.NewEncoder(s.runsFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	if s.runs == nil {
		s.runs = map[string][]JobRun{}
	}
	rs := append(s.runs[r.JobID], r)
	if len(rs) > maxRunsPerJob {
		rs = rs[len(rs)-maxRunsPerJob:]
	}
	s.runs[r.JobID] = rs
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, jobID string, n int) ([]JobRun, error) {
	_ = ctx
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.runs[jobID]
	if len(rs) == 0 {
		return nil, nil
	}
	if n > len(rs) {
		n = len(rs)
	}
	// Newest first.
	out := make([]JobRun, 0, n)
	for i := len(rs) - 1; i >= len(rs)-n; i-- {
		out = append(out, rs[i])
	}
	return out, nil
}

func (s *fileStore) PutSyncState(ctx context.Context, st SyncState) error {
	_ = ctx
	st.Source = strings.TrimSpace(st.Source)
	if st.Source == "" {
		return errors.New("sync state requires a source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncJournalFile == nil {
		return errors.New("syncstate journal closed")
	}
	if s.syncStates == nil {
		s.syncStates = map[string]SyncState{}
	}
	s.syncStates[st.Source] = st

	enc := json.NewEncoder(s.syncJournalFile)
	if err := enc.Encode(st); err != nil {
		return err
	}
	s.syncWrites++
	if s.syncWrites%1000 == 0 {
		if err := s.compactSyncLocked(); err != nil {
			s.log.Debug("syncstate compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetSyncState(ctx context.Context, src string) (SyncState, bool, error) {
	_ = ctx
	src = strings.TrimSpace(src)
	if src == "" {
		return SyncState{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.syncStates[src]
	if !ok {
		return SyncState{}, false, nil
	}
	return st, true, nil
}

func (s *fileStore) AppendArtifact(ctx context.Context, a ArtifactRecord) error {
	_ = ctx
	if a.At.IsZero() {
		a.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifactFile == nil {
		return errors.New("artifacts file closed")
	}
	enc := json.NewEncoder(s.artifactFile)
	return enc.Encode(a)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	enc := json.NewEncoder(s.dedupJournalFile)
	if err := enc.Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactSyncLocked() error {
	if s.syncStates == nil {
		return nil
	}
	return writeSnapshotLocked(s.syncSnapshotPath, s.syncStates, s.syncJournalFile)
}

func (s *fileStore) compactDedupLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)
	return writeSnapshotLocked(s.dedupSnapshotPath, s.dedup, s.dedupJournalFile)
}

// writeSnapshotLocked persists v atomically (tmp + rename) and truncates the
// journal it supersedes. Caller holds the store mutex.
func writeSnapshotLocked(path string, v any, journal *os.File) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := journal.Truncate(0); err != nil {
		return err
	}
	_, err = journal.Seek(0, 2)
	return err
}

func replayRuns(path string, out map[string][]JobRun, keep int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r JobRun
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.JobID == "" {
			continue
		}
		out[r.JobID] = append(out[r.JobID], r)
	}
	for id, rs := range out {
		if len(rs) > keep {
			out[id] = append([]JobRun(nil), rs[len(rs)-keep:]...)
		}
	}
	return sc.Err()
}

func loadSyncSnapshot(path string, out map[string]SyncState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]SyncState
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replaySyncJournal(path string, out map[string]SyncState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var st SyncState
		if err := json.Unmarshal(sc.Bytes(), &st); err != nil {
			continue
		}
		if st.Source == "" {
			continue
		}
		out[st.Source] = st
	}
	return sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
