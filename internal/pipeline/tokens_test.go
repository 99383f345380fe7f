package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"daybrief/internal/source"
)

func TestTokenRefreshAll(t *testing.T) {
	t.Parallel()

	whoop := &refreshable{fakeAdapter: fakeAdapter{id: "whoop"}}
	outlook := &refreshable{fakeAdapter: fakeAdapter{id: "outlook"}}
	vault := &fakeAdapter{id: "vault"}

	w := newWorld(t, nil, Sources{}, map[string]source.Adapter{
		"whoop": whoop, "outlook": outlook, "vault": vault,
	})

	rep, err := TokenRefresh(w.deps)(context.Background(), runCtx())
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(rep.Failed) != 0 {
		t.Fatalf("Report.Failed = %v", rep.Failed)
	}
	if whoop.refreshCount() != 1 || outlook.refreshCount() != 1 {
		t.Fatalf("refreshes whoop=%d outlook=%d, want 1 each",
			whoop.refreshCount(), outlook.refreshCount())
	}
}

func TestTokenRefreshContinuesPastFailure(t *testing.T) {
	t.Parallel()

	// "garmin" sorts before "whoop", so its failure must not stop whoop's
	// refresh.
	garmin := &refreshable{
		fakeAdapter: fakeAdapter{id: "garmin"},
		refreshErr:  errors.New("refresh token revoked"),
	}
	whoop := &refreshable{fakeAdapter: fakeAdapter{id: "whoop"}}

	w := newWorld(t, nil, Sources{}, map[string]source.Adapter{
		"garmin": garmin, "whoop": whoop,
	})

	_, err := TokenRefresh(w.deps)(context.Background(), runCtx())
	if err == nil {
		t.Fatal("handler succeeded, want error")
	}
	if !strings.Contains(err.Error(), "garmin:") {
		t.Fatalf("error = %v, want the failing source named", err)
	}
	if whoop.refreshCount() != 1 {
		t.Fatalf("whoop refreshes = %d, want 1 despite garmin failure", whoop.refreshCount())
	}
}

func TestTokenRefreshNoRefreshers(t *testing.T) {
	t.Parallel()

	vault := &fakeAdapter{id: "vault"}
	w := newWorld(t, nil, Sources{}, map[string]source.Adapter{"vault": vault})

	rep, err := TokenRefresh(w.deps)(context.Background(), runCtx())
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(rep.Failed) != 0 {
		t.Fatalf("Report.Failed = %v", rep.Failed)
	}
}

func TestTokenRefreshStopsOnCancel(t *testing.T) {
	t.Parallel()

	whoop := &refreshable{fakeAdapter: fakeAdapter{id: "whoop"}}
	w := newWorld(t, nil, Sources{}, map[string]source.Adapter{"whoop": whoop})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := TokenRefresh(w.deps)(ctx, runCtx()); err == nil {
		t.Fatal("handler ignored cancelled context")
	}
	if whoop.refreshCount() != 0 {
		t.Fatalf("refresh ran under cancelled context")
	}
}
