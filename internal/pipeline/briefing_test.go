package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"daybrief/internal/source"
)

func TestBriefingHappyPath(t *testing.T) {
	t.Parallel()

	whoop := &fakeAdapter{id: "whoop", rec: source.Record{
		Health: &source.HealthMetrics{SleepHours: source.Ptr(7.4), HRVms: source.Ptr(55.0)},
	}}
	gcal := &fakeAdapter{id: "gcal", rec: source.Record{
		Events: []source.CalendarEvent{{
			Title:  "Standup",
			Start:  time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC),
			End:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
			Source: "gcal",
		}},
	}}
	vault := &fakeAdapter{id: "vault", rec: source.Record{
		Tasks: []source.Task{{Text: "buy milk"}},
	}}
	ha := &fakeAdapter{id: "homeassist", rec: source.Record{
		Ambient: &source.Observation{WeatherState: "sunny", TempC: source.Ptr(18.0)},
	}}
	np := &fakeAdapter{id: "netprobe", rec: source.Record{
		Ambient: &source.Observation{DownloadMbps: source.Ptr(400.0)},
	}}

	w := newWorld(t, nil, Sources{
		Health:   []string{"whoop"},
		Calendar: []string{"gcal"},
		Tasks:    []string{"vault"},
		Ambient:  []string{"homeassist", "netprobe"},
	}, map[string]source.Adapter{
		"whoop": whoop, "gcal": gcal, "vault": vault, "homeassist": ha, "netprobe": np,
	})

	rep, err := Briefing(w.deps)(context.Background(), runCtx("cap"))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(rep.Failed) != 0 {
		t.Fatalf("Report.Failed = %v, want none", rep.Failed)
	}

	// Every source got the local-day window.
	day := whoop.lastFetch(t)
	if !day.Start.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("fetch window start = %v", day.Start)
	}
	if !day.End.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("fetch window end = %v", day.End)
	}

	arts := w.cap.artifacts()
	if len(arts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(arts))
	}
	a := arts[0]
	if a.Kind != "briefing" {
		t.Fatalf("kind = %q", a.Kind)
	}
	if a.Meta["date"] != "2026-03-14" {
		t.Fatalf("meta date = %q", a.Meta["date"])
	}
	for _, want := range []string{
		"Sleep: 7.4 h",
		"08:30-09:00 Standup",
		"- buy milk",
		"Weather: sunny, 18°C",
		"400 Mbps down",
	} {
		if !strings.Contains(a.Body, want) {
			t.Errorf("body missing %q\n%s", want, a.Body)
		}
	}
	if strings.Contains(a.Body, "*Notes*") {
		t.Fatalf("clean run rendered notes:\n%s", a.Body)
	}
}

func TestBriefingDegraded(t *testing.T) {
	t.Parallel()

	whoop := &fakeAdapter{id: "whoop", rec: source.Record{
		Health: &source.HealthMetrics{SleepHours: source.Ptr(6.1)},
	}}
	garmin := &fakeAdapter{id: "garmin", err: source.NewError("garmin", source.KindNetwork, errors.New("connection refused"))}

	w := newWorld(t, nil, Sources{Health: []string{"whoop", "garmin"}}, map[string]source.Adapter{
		"whoop": whoop, "garmin": garmin,
	})

	rep, err := Briefing(w.deps)(context.Background(), runCtx("cap"))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "garmin" {
		t.Fatalf("Report.Failed = %v, want [garmin]", rep.Failed)
	}

	arts := w.cap.artifacts()
	if len(arts) != 1 {
		t.Fatalf("degraded briefing not delivered: %d artifacts", len(arts))
	}
	if !strings.Contains(arts[0].Body, "garmin: network") {
		t.Fatalf("body missing degradation note:\n%s", arts[0].Body)
	}
	if !strings.Contains(arts[0].Body, "Sleep: 6.1 h") {
		t.Fatalf("surviving source dropped:\n%s", arts[0].Body)
	}
}

func TestBriefingNoSources(t *testing.T) {
	t.Parallel()

	w := newWorld(t, nil, Sources{}, nil)
	rep, err := Briefing(w.deps)(context.Background(), runCtx("cap"))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(rep.Failed) != 0 {
		t.Fatalf("Report.Failed = %v", rep.Failed)
	}
	arts := w.cap.artifacts()
	if len(arts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(arts))
	}
	if !strings.Contains(arts[0].Body, "Daily Briefing") {
		t.Fatalf("headline missing:\n%s", arts[0].Body)
	}
}

func TestBriefingNoChannels(t *testing.T) {
	t.Parallel()

	whoop := &fakeAdapter{id: "whoop", rec: source.Record{}}
	w := newWorld(t, nil, Sources{Health: []string{"whoop"}}, map[string]source.Adapter{"whoop": whoop})

	if _, err := Briefing(w.deps)(context.Background(), runCtx()); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := len(w.cap.artifacts()); got != 0 {
		t.Fatalf("dispatched %d artifacts with no channels", got)
	}
}
