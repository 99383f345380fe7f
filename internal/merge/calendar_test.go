package merge

import (
	"encoding/json"
	"testing"
	"time"

	"daybrief/internal/source"
)

func at(t *testing.T, hhmm string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", "2025-06-02 "+hhmm)
	if err != nil {
		t.Fatalf("parse %q: %v", hhmm, err)
	}
	return ts
}

func calPolicy() CalendarPolicy {
	return CalendarPolicy{Priority: []string{"gcal", "outlook"}, TitleMatch: TitleMatchBasic}
}

func TestMergeCalendarsDedup(t *testing.T) {
	t.Parallel()
	records := map[string]source.Record{
		"gcal": {Events: []source.CalendarEvent{
			{ID: "g-1", Title: "Standup", Start: at(t, "09:30"), End: at(t, "09:45")},
		}},
		"outlook": {Events: []source.CalendarEvent{
			{ID: "o-7", Title: "standup", Start: at(t, "09:30"), End: at(t, "09:45")},
		}},
	}

	got := MergeCalendars(records, calPolicy())
	if len(got) != 1 {
		t.Fatalf("primaries = %d, want 1", len(got))
	}
	if got[0].Source != "gcal" || got[0].ID != "g-1" {
		t.Fatalf("primary = %q/%q, want gcal/g-1", got[0].Source, got[0].ID)
	}
	if len(got[0].Conflicts) != 1 || got[0].Conflicts[0].Source != "outlook" {
		t.Fatalf("conflicts = %+v, want absorbed outlook copy", got[0].Conflicts)
	}
	// The absorbed copy keeps its own identity for traceability.
	if got[0].Conflicts[0].ID != "o-7" {
		t.Fatalf("absorbed ID = %q, want o-7", got[0].Conflicts[0].ID)
	}
}

func TestMergeCalendarsConflict(t *testing.T) {
	t.Parallel()
	records := map[string]source.Record{
		"gcal": {Events: []source.CalendarEvent{
			{Title: "Dentist", Start: at(t, "10:00"), End: at(t, "11:00")},
		}},
		"outlook": {Events: []source.CalendarEvent{
			{Title: "Standup", Start: at(t, "10:30"), End: at(t, "10:45")},
		}},
	}

	got := MergeCalendars(records, calPolicy())
	if len(got) != 2 {
		t.Fatalf("primaries = %d, want 2", len(got))
	}
	for _, ev := range got {
		if len(ev.Conflicts) != 1 {
			t.Fatalf("%q conflicts = %d, want 1", ev.Title, len(ev.Conflicts))
		}
		if len(ev.Conflicts[0].Conflicts) != 0 {
			t.Fatal("conflict annotations must not recurse")
		}
	}
	if got[0].Conflicts[0].Title != "Standup" || got[1].Conflicts[0].Title != "Dentist" {
		t.Fatalf("cross-annotation wrong: %+v", got)
	}
}

func TestMergeCalendarsSameSourceDoubleBooking(t *testing.T) {
	t.Parallel()
	records := map[string]source.Record{
		"gcal": {Events: []source.CalendarEvent{
			{Title: "1:1 Ana", Start: at(t, "14:00"), End: at(t, "15:00")},
			{Title: "Arch review", Start: at(t, "14:30"), End: at(t, "15:30")},
		}},
	}

	got := MergeCalendars(records, calPolicy())
	if len(got) != 2 {
		t.Fatalf("primaries = %d, want 2", len(got))
	}
	if len(got[0].Conflicts) != 1 || len(got[1].Conflicts) != 1 {
		t.Fatalf("double-booking within one source not annotated: %+v", got)
	}
}

func TestMergeCalendarsZeroDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		instant   time.Time
		conflicts int
	}{
		{name: "instant inside interval", instant: at(t, "10:30"), conflicts: 0},
		{name: "instant at interval start", instant: at(t, "10:00"), conflicts: 1},
		{name: "instant at interval end", instant: at(t, "11:00"), conflicts: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			records := map[string]source.Record{
				"gcal": {Events: []source.CalendarEvent{
					{Title: "Focus block", Start: at(t, "10:00"), End: at(t, "11:00")},
					{Title: "Reminder", Start: tt.instant, End: tt.instant},
				}},
			}
			got := MergeCalendars(records, calPolicy())
			if len(got) != 2 {
				t.Fatalf("primaries = %d, want 2", len(got))
			}
			var rem source.CalendarEvent
			for _, ev := range got {
				if ev.Title == "Reminder" {
					rem = ev
				}
			}
			if len(rem.Conflicts) != tt.conflicts {
				t.Fatalf("conflicts = %d, want %d", len(rem.Conflicts), tt.conflicts)
			}
		})
	}
}

func TestMergeCalendarsDeterministicOrder(t *testing.T) {
	t.Parallel()
	records := map[string]source.Record{
		"outlook": {Events: []source.CalendarEvent{
			{Title: "B", Start: at(t, "09:00"), End: at(t, "09:30")},
			{Title: "Lunch", Start: at(t, "12:00"), End: at(t, "13:00")},
		}},
		"gcal": {Events: []source.CalendarEvent{
			{Title: "A", Start: at(t, "09:00"), End: at(t, "09:30")},
		}},
	}

	a := MergeCalendars(records, calPolicy())
	b := MergeCalendars(records, calPolicy())
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Fatalf("non-deterministic output:\n%s\n%s", aj, bj)
	}
	// Equal starts order by source priority: gcal before outlook.
	if a[0].Source != "gcal" || a[1].Source != "outlook" {
		t.Fatalf("order = %s,%s, want gcal,outlook", a[0].Source, a[1].Source)
	}
}

func TestNormalizeTitleModes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		mode string
		want string
	}{
		{name: "basic fold", in: "  Team   Standup ", mode: TitleMatchBasic, want: "team standup"},
		{name: "basic keeps punct", in: "Standup!", mode: TitleMatchBasic, want: "standup!"},
		{name: "aggressive strips punct", in: "Standup!", mode: TitleMatchAggressive, want: "standup"},
		{name: "aggressive collapses", in: "1:1 -- Ana", mode: TitleMatchAggressive, want: "1 1 ana"},
		{name: "unknown mode is basic", in: "A  B", mode: "???", want: "a b"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTitle(tt.in, tt.mode); got != tt.want {
				t.Fatalf("NormalizeTitle(%q, %s) = %q, want %q", tt.in, tt.mode, got, tt.want)
			}
		})
	}
}

func TestComposeBriefing(t *testing.T) {
	t.Parallel()
	now := at(t, "06:30")

	if _, err := ComposeBriefing(BriefingInput{Now: now}); err == nil {
		t.Fatal("zero date must fail")
	}

	b, err := ComposeBriefing(BriefingInput{Date: day(t), Now: now})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !b.GeneratedAt.Equal(now) {
		t.Fatalf("GeneratedAt = %v, want %v", b.GeneratedAt, now)
	}
	if b.Health != nil || b.Calendar != nil || b.Tasks != nil || b.Ambient != nil {
		t.Fatalf("empty input must produce empty sections: %+v", b)
	}
}
