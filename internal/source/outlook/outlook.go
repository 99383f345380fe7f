// Package outlook fetches Microsoft Graph calendarView items for a time
// range and normalizes them to calendar events. Graph returns zoneless
// timestamps with a separate timeZone name, so parsing resolves the zone
// before building instants.
package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"daybrief/internal/config"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// ID is the source ID this adapter registers under.
const ID = "outlook"

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	pageTop        = "50"
	maxErrorBody   = 512
)

// Adapter implements source.Adapter.
type Adapter struct {
	cfg config.CalendarSource
	log logx.Logger
	hc  *http.Client

	connected atomic.Bool
}

// New builds the adapter. A nil httpClient gets a 30 s timeout default.
func New(cfg config.CalendarSource, httpClient *http.Client, log logx.Logger) *Adapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		cfg: cfg,
		log: log.With(logx.String("source", ID)),
		hc:  httpClient,
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return source.Errorf(ID, source.KindAuthExpired, "no token configured")
	}
	a.connected.Store(true)
	return nil
}

// HealthCheck asks for a zero-width window.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.connected.Load() {
		return source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}
	now := time.Now()
	_, err := a.calendarView(ctx, source.TimeRange{Start: now, End: now.Add(time.Second)})
	return err
}

// Fetch lists the calendar view for tr. All-day items get day bounds in
// tr's location.
func (a *Adapter) Fetch(ctx context.Context, tr source.TimeRange) (source.Record, error) {
	if !tr.Valid() {
		return source.Record{}, source.Errorf(ID, source.KindMalformed, "invalid range %s..%s", tr.Start, tr.End)
	}
	if !a.connected.Load() {
		return source.Record{}, source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}

	items, err := a.calendarView(ctx, tr)
	if err != nil {
		return source.Record{}, err
	}

	loc := tr.Start.Location()
	events := make([]source.CalendarEvent, 0, len(items))
	for _, it := range items {
		ev, err := it.toEvent(loc)
		if err != nil {
			return source.Record{}, source.Errorf(ID, source.KindMalformed, "event %q: %v", it.Subject, err)
		}
		events = append(events, ev)
	}
	return source.Record{Source: ID, FetchedAt: time.Now().UTC(), Events: events}, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) calendarView(ctx context.Context, tr source.TimeRange) ([]graphEvent, error) {
	q := url.Values{
		"startDateTime": {tr.Start.UTC().Format(time.RFC3339)},
		"endDateTime":   {tr.End.UTC().Format(time.RFC3339)},
		"$orderby":      {"start/dateTime"},
		"$top":          {pageTop},
	}
	u := a.cfg.BaseURL + "/me/calendarView?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, source.NewError(ID, source.KindMalformed, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, source.Classify(ID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, source.Errorf(ID, source.KindAuthExpired, "calendarView: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, source.Errorf(ID, source.KindRateLimited, "calendarView: status 429")
	case resp.StatusCode != http.StatusOK:
		return nil, source.Errorf(ID, source.KindNetwork, "calendarView: status %d: %s", resp.StatusCode, snippet(resp.Body))
	}

	var page viewPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, source.Errorf(ID, source.KindMalformed, "calendarView: decode: %v", err)
	}
	return page.Value, nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

type viewPage struct {
	Value []graphEvent `json:"value"`
}

type graphEvent struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject"`
	IsAllDay bool      `json:"isAllDay"`
	Start    graphTime `json:"start"`
	End      graphTime `json:"end"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
}

type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// parse resolves Graph's zoneless timestamp against its timeZone name.
// The fractional layout also accepts fraction-free input.
func (g graphTime) parse() (time.Time, error) {
	loc := time.UTC
	if g.TimeZone != "" && !strings.EqualFold(g.TimeZone, "UTC") {
		l, err := time.LoadLocation(g.TimeZone)
		if err != nil {
			return time.Time{}, fmt.Errorf("time zone %q: %w", g.TimeZone, err)
		}
		loc = l
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.9999999", g.DateTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", g.DateTime, err)
	}
	return t, nil
}

func (e graphEvent) toEvent(loc *time.Location) (source.CalendarEvent, error) {
	start, err := e.Start.parse()
	if err != nil {
		return source.CalendarEvent{}, err
	}
	end, err := e.End.parse()
	if err != nil {
		return source.CalendarEvent{}, err
	}
	if e.IsAllDay {
		// Graph states all-day items as midnight-to-midnight in their
		// own zone; keep those date labels and rebuild at local
		// midnight so "the 14th" stays the 14th west of UTC too.
		start = dateAt(start, loc)
		end = dateAt(end, loc)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	}
	return source.CalendarEvent{
		ID:       e.ID,
		Title:    e.Subject,
		Start:    start,
		End:      end,
		AllDay:   e.IsAllDay,
		Location: e.Location.DisplayName,
		Source:   ID,
	}, nil
}

// dateAt keeps t's date labels and rebuilds them at midnight in loc.
func dateAt(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
