package outlook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"daybrief/internal/config"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

const viewBody = `{"value":[
  {"id":"AAMk-one","subject":"1:1","location":{"displayName":"Room 4"},
   "start":{"dateTime":"2026-03-14T14:00:00.0000000","timeZone":"UTC"},
   "end":{"dateTime":"2026-03-14T14:30:00.0000000","timeZone":"UTC"}},
  {"id":"AAMk-conf","subject":"Conference","isAllDay":true,
   "start":{"dateTime":"2026-03-14T00:00:00.0000000","timeZone":"UTC"},
   "end":{"dateTime":"2026-03-15T00:00:00.0000000","timeZone":"UTC"}}
]}`

func connected(t *testing.T, cfg config.CalendarSource) *Adapter {
	t.Helper()
	a := New(cfg, nil, logx.Nop())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func TestFetchMapsCalendarView(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		if r.Header.Get("Authorization") != "Bearer ms-tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(viewBody))
	}))
	t.Cleanup(srv.Close)
	a := connected(t, config.CalendarSource{BaseURL: srv.URL, Token: "ms-tok"})

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	tr := source.Day(time.Date(2026, 3, 14, 8, 0, 0, 0, ny), ny)
	rec, err := a.Fetch(context.Background(), tr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotPath != "/me/calendarView" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery.Get("$orderby") != "start/dateTime" || gotQuery.Get("$top") != "50" {
		t.Errorf("query = %v", gotQuery)
	}
	if gotQuery.Get("startDateTime") == "" || gotQuery.Get("endDateTime") == "" {
		t.Errorf("missing range bounds in query %v", gotQuery)
	}
	if len(rec.Events) != 2 {
		t.Fatalf("events = %d, want 2: %+v", len(rec.Events), rec.Events)
	}

	meeting := rec.Events[0]
	if meeting.ID != "AAMk-one" || meeting.Title != "1:1" || meeting.Location != "Room 4" || meeting.Source != ID {
		t.Errorf("meeting = %+v", meeting)
	}
	if meeting.AllDay {
		t.Error("timed event flagged all-day")
	}
	if !meeting.Start.Equal(time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("meeting start = %v", meeting.Start)
	}

	// The all-day item keeps its stated date, rebuilt at local midnight,
	// even though New York midnight is 5 hours after UTC midnight.
	conf := rec.Events[1]
	if conf.ID != "AAMk-conf" || !conf.AllDay {
		t.Errorf("conference = %+v, want all-day AAMk-conf", conf)
	}
	if !conf.Start.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, ny)) {
		t.Errorf("conference start = %v", conf.Start)
	}
	if !conf.End.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, ny)) {
		t.Errorf("conference end = %v", conf.End)
	}
}

func TestParseGraphTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      graphTime
		want    time.Time
		wantErr bool
	}{
		{
			name: "fractional utc",
			in:   graphTime{DateTime: "2026-03-14T14:00:00.0000000", TimeZone: "UTC"},
			want: time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "no fraction",
			in:   graphTime{DateTime: "2026-03-14T14:00:00", TimeZone: "UTC"},
			want: time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "iana zone",
			in:   graphTime{DateTime: "2026-03-14T09:00:00", TimeZone: "Europe/Berlin"},
			want: time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
		},
		{
			name:    "unknown zone",
			in:      graphTime{DateTime: "2026-03-14T09:00:00", TimeZone: "Atlantis/Lost"},
			wantErr: true,
		},
		{
			name:    "garbage timestamp",
			in:      graphTime{DateTime: "last tuesday", TimeZone: "UTC"},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.in.parse()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parse(%+v) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("parse = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFetchErrorKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		want   source.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, source.KindAuthExpired},
		{"throttled", http.StatusTooManyRequests, source.KindRateLimited},
		{"server error", http.StatusInternalServerError, source.KindNetwork},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)
			a := connected(t, config.CalendarSource{BaseURL: srv.URL, Token: "tok"})

			_, err := a.Fetch(context.Background(), source.Day(time.Now(), time.UTC))
			if got := source.KindOf(err); got != tc.want {
				t.Fatalf("kind = %v, want %v (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestFetchInvertedRange(t *testing.T) {
	t.Parallel()
	a := connected(t, config.CalendarSource{BaseURL: "http://127.0.0.1:1", Token: "tok"})
	tr := source.TimeRange{Start: time.Now(), End: time.Now().Add(-time.Hour)}
	if _, err := a.Fetch(context.Background(), tr); source.KindOf(err) != source.KindMalformed {
		t.Fatalf("err = %v, want KindMalformed", err)
	}
}
