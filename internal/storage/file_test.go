package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "daybrief/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "daybrief.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatalf("Open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: unexpected error: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestFileRunsRecentOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	ctx := context.Background()
	base := time.Date(2025, 6, 2, 6, 30, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		r := JobRun{
			JobID:     "briefing",
			Attempt:   i,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 10*time.Second),
			Outcome:   "failure",
			Reason:    fmt.Sprintf("attempt %d", i),
		}
		if err := st.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	if err := st.AppendRun(ctx, JobRun{JobID: "data_sync", Attempt: 1, Outcome: "success"}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	got, err := st.RecentRuns(ctx, "briefing", 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentRuns len = %d, want 2", len(got))
	}
	if got[0].Attempt != 3 || got[1].Attempt != 2 {
		t.Fatalf("RecentRuns order = [%d %d], want newest first [3 2]", got[0].Attempt, got[1].Attempt)
	}

	got, err = st.RecentRuns(ctx, "briefing", 50)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RecentRuns len = %d, want 3", len(got))
	}

	got, err = st.RecentRuns(ctx, "nope", 5)
	if err != nil || got != nil {
		t.Fatalf("RecentRuns unknown job = (%v, %v), want (nil, nil)", got, err)
	}

	if err := st.AppendRun(ctx, JobRun{Attempt: 1}); err == nil {
		t.Fatalf("expected error for run without job id")
	}
}

func TestFileRunsSurviveReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	ctx := context.Background()
	started := time.Date(2025, 6, 2, 6, 30, 0, 0, time.UTC)
	run := JobRun{
		JobID:     "health_pulse",
		Attempt:   1,
		StartedAt: started,
		EndedAt:   started.Add(2 * time.Second),
		Outcome:   "partial",
		Failed:    []string{"whoop"},
	}
	if err := st.AppendRun(ctx, run); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()
	got, err := st.RecentRuns(ctx, "health_pulse", 10)
	if err != nil {
		t.Fatalf("RecentRuns after reopen: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentRuns after reopen len = %d, want 1", len(got))
	}
	if got[0].Outcome != "partial" || len(got[0].Failed) != 1 || got[0].Failed[0] != "whoop" {
		t.Fatalf("run after reopen = %+v", got[0])
	}
	if !got[0].StartedAt.Equal(started) {
		t.Fatalf("StartedAt after reopen = %v, want %v", got[0].StartedAt, started)
	}
}

func TestFileRunIndexBounded(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	ctx := context.Background()
	for i := 1; i <= maxRunsPerJob+5; i++ {
		if err := st.AppendRun(ctx, JobRun{JobID: "data_sync", Attempt: i, Outcome: "success"}); err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}
	got, err := st.RecentRuns(ctx, "data_sync", maxRunsPerJob*2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != maxRunsPerJob {
		t.Fatalf("RecentRuns len = %d, want %d", len(got), maxRunsPerJob)
	}
	if got[0].Attempt != maxRunsPerJob+5 {
		t.Fatalf("newest attempt = %d, want %d", got[0].Attempt, maxRunsPerJob+5)
	}
}

func TestFileSyncState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	ctx := context.Background()
	if _, ok, err := st.GetSyncState(ctx, "whoop"); err != nil || ok {
		t.Fatalf("GetSyncState before put = (ok=%v, err=%v)", ok, err)
	}

	at := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	state := SyncState{Source: "whoop", LastSync: at, LastError: "timeout", SyncCount: 1}
	if err := st.PutSyncState(ctx, state); err != nil {
		t.Fatalf("PutSyncState: %v", err)
	}
	state.LastSuccess = at.Add(15 * time.Minute)
	state.LastSync = state.LastSuccess
	state.LastError = ""
	state.SyncCount = 2
	if err := st.PutSyncState(ctx, state); err != nil {
		t.Fatalf("PutSyncState update: %v", err)
	}

	got, ok, err := st.GetSyncState(ctx, "whoop")
	if err != nil || !ok {
		t.Fatalf("GetSyncState = (ok=%v, err=%v)", ok, err)
	}
	if got.SyncCount != 2 || got.LastError != "" || !got.LastSuccess.Equal(state.LastSuccess) {
		t.Fatalf("GetSyncState = %+v", got)
	}

	if err := st.PutSyncState(ctx, SyncState{}); err == nil {
		t.Fatalf("expected error for sync state without source")
	}

	// Journal replay across reopen.
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st = openTestStore(t, dir)
	defer st.Close()
	got, ok, err = st.GetSyncState(ctx, "whoop")
	if err != nil || !ok {
		t.Fatalf("GetSyncState after reopen = (ok=%v, err=%v)", ok, err)
	}
	if got.SyncCount != 2 {
		t.Fatalf("SyncCount after reopen = %d, want 2", got.SyncCount)
	}
}

func TestFileDedup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "hrv_low:2025-06-02", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "hrv_low:2025-06-02")
	if err != nil || !ok {
		t.Fatalf("GetDedup = (ok=%v, err=%v)", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("GetDedup until = %v, want %v", got, until)
	}

	// Empty keys are ignored.
	if err := st.PutDedup(ctx, "  ", until); err != nil {
		t.Fatalf("PutDedup empty key: %v", err)
	}
	if _, ok, _ := st.GetDedup(ctx, ""); ok {
		t.Fatalf("GetDedup empty key should miss")
	}

	// Expired entries are pruned on reopen.
	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup stale: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st = openTestStore(t, dir)
	defer st.Close()
	if _, ok, _ := st.GetDedup(ctx, "stale"); ok {
		t.Fatalf("expired dedup key survived reopen")
	}
	if _, ok, _ := st.GetDedup(ctx, "hrv_low:2025-06-02"); !ok {
		t.Fatalf("live dedup key lost across reopen")
	}
}

func TestFileArtifacts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	ctx := context.Background()
	a := ArtifactRecord{
		At:    time.Date(2025, 6, 2, 6, 30, 0, 0, time.UTC),
		JobID: "briefing",
		Kind:  "briefing",
		Title: "Morning Briefing",
		Body:  "line one\nline two",
		Meta:  map[string]string{"sources": "whoop,gcal"},
	}
	if err := st.AppendArtifact(ctx, a); err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}
	if err := st.AppendArtifact(ctx, ArtifactRecord{Kind: "alert", Body: "HRV low"}); err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "daybrief.artifacts.jsonl"))
	if err != nil {
		t.Fatalf("open artifacts file: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var lines []ArtifactRecord
	for sc.Scan() {
		var rec ArtifactRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad artifact line: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("artifact lines = %d, want 2", len(lines))
	}
	if lines[0].Title != "Morning Briefing" || lines[0].Meta["sources"] != "whoop,gcal" {
		t.Fatalf("first artifact = %+v", lines[0])
	}
	if lines[1].At.IsZero() {
		t.Fatalf("zero At should be stamped on append")
	}
}
