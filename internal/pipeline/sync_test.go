package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"daybrief/internal/merge"
	"daybrief/internal/source"
	"daybrief/internal/storage"
)

func TestDataSyncUpsertsState(t *testing.T) {
	t.Parallel()

	whoop := &fakeAdapter{id: "whoop", rec: source.Record{
		Health: &source.HealthMetrics{SleepHours: source.Ptr(7.4)},
	}}
	garmin := &fakeAdapter{id: "garmin", err: source.Errorf("garmin", source.KindNetwork, "refused")}

	store := newMemStore()
	w := newWorld(t, store, Sources{Health: []string{"whoop", "garmin"}}, map[string]source.Adapter{
		"whoop": whoop, "garmin": garmin,
	})

	rep, err := DataSync(w.deps)(context.Background(), runCtx())
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "garmin" {
		t.Fatalf("Report.Failed = %v, want [garmin]", rep.Failed)
	}

	now := testClock()
	ok := store.state(t, "whoop")
	if !ok.LastSync.Equal(now) || !ok.LastSuccess.Equal(now) || ok.LastError != "" || ok.SyncCount != 1 {
		t.Fatalf("whoop state = %+v", ok)
	}
	bad := store.state(t, "garmin")
	if !bad.LastSync.Equal(now) || !bad.LastSuccess.IsZero() || bad.SyncCount != 1 {
		t.Fatalf("garmin state = %+v", bad)
	}
	if bad.LastError != "network" {
		t.Fatalf("garmin LastError = %q, want network", bad.LastError)
	}

	arts := store.artifacts()
	if len(arts) != 1 {
		t.Fatalf("got %d archived artifacts, want 1", len(arts))
	}
	a := arts[0]
	if a.Kind != "sync_snapshot" || a.JobID != "test_job" {
		t.Fatalf("artifact kind/job = %q/%q", a.Kind, a.JobID)
	}
	var b merge.Briefing
	if err := json.Unmarshal([]byte(a.Body), &b); err != nil {
		t.Fatalf("snapshot body is not a briefing: %v", err)
	}
	if b.Health == nil || b.Health.SleepHours == nil || *b.Health.SleepHours != 7.4 {
		t.Fatalf("snapshot lost health data: %s", a.Body)
	}
	if len(b.Notes) != 1 || !strings.Contains(b.Notes[0], "garmin") {
		t.Fatalf("snapshot notes = %v", b.Notes)
	}
}

func TestDataSyncPreservesLastSuccess(t *testing.T) {
	t.Parallel()

	old := time.Date(2026, 3, 13, 18, 0, 0, 0, time.UTC)
	store := newMemStore()
	if err := store.PutSyncState(context.Background(), storage.SyncState{
		Source:      "whoop",
		LastSync:    old,
		LastSuccess: old,
		SyncCount:   5,
	}); err != nil {
		t.Fatal(err)
	}

	failing := &fakeAdapter{id: "whoop", err: source.Errorf("whoop", source.KindTimeout, "deadline")}
	w := newWorld(t, store, Sources{Health: []string{"whoop"}}, map[string]source.Adapter{"whoop": failing})

	if _, err := DataSync(w.deps)(context.Background(), runCtx()); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	st := store.state(t, "whoop")
	if st.SyncCount != 6 {
		t.Fatalf("SyncCount = %d, want 6", st.SyncCount)
	}
	if !st.LastSync.Equal(testClock()) {
		t.Fatalf("LastSync = %v", st.LastSync)
	}
	// A failed sync must not erase the last known-good timestamp.
	if !st.LastSuccess.Equal(old) {
		t.Fatalf("LastSuccess = %v, want %v", st.LastSuccess, old)
	}
	if st.LastError != "timeout" {
		t.Fatalf("LastError = %q", st.LastError)
	}
}

func TestDataSyncNeverDispatches(t *testing.T) {
	t.Parallel()

	whoop := &fakeAdapter{id: "whoop", rec: source.Record{}}
	store := newMemStore()
	w := newWorld(t, store, Sources{Health: []string{"whoop"}}, map[string]source.Adapter{"whoop": whoop})

	// Even with channels configured, the snapshot is archive-only.
	if _, err := DataSync(w.deps)(context.Background(), runCtx("cap")); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := len(w.cap.artifacts()); got != 0 {
		t.Fatalf("data_sync dispatched %d artifacts", got)
	}
}

func TestDataSyncWithoutStore(t *testing.T) {
	t.Parallel()

	whoop := &fakeAdapter{id: "whoop", rec: source.Record{}}
	w := newWorld(t, nil, Sources{Health: []string{"whoop"}}, map[string]source.Adapter{"whoop": whoop})

	rep, err := DataSync(w.deps)(context.Background(), runCtx())
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(rep.Failed) != 0 {
		t.Fatalf("Report.Failed = %v", rep.Failed)
	}
	if whoop.fetchCount() != 1 {
		t.Fatalf("fetchCount = %d, want 1", whoop.fetchCount())
	}
}
