// Package gcal fetches Google Calendar events for a time range and
// normalizes them to calendar events. Recurring events are expanded
// server-side (singleEvents) so every item maps to one concrete entry.
package gcal

import (
	"context"
	"encoding/json"
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
const ID = "gcal"

const (
	defaultBaseURL    = "https://www.googleapis.com/calendar/v3"
	defaultCalendarID = "primary"
	maxResults        = "100"
	maxErrorBody      = 512
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
	if strings.TrimSpace(cfg.CalendarID) == "" {
		cfg.CalendarID = defaultCalendarID
	}
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

// HealthCheck asks for a zero-width window; auth and routing are exercised
// without pulling event data.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.connected.Load() {
		return source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}
	now := time.Now()
	_, err := a.listEvents(ctx, source.TimeRange{Start: now, End: now.Add(time.Second)})
	return err
}

// Fetch lists events overlapping tr. All-day items get day bounds in tr's
// location.
func (a *Adapter) Fetch(ctx context.Context, tr source.TimeRange) (source.Record, error) {
	if !tr.Valid() {
		return source.Record{}, source.Errorf(ID, source.KindMalformed, "invalid range %s..%s", tr.Start, tr.End)
	}
	if !a.connected.Load() {
		return source.Record{}, source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}

	items, err := a.listEvents(ctx, tr)
	if err != nil {
		return source.Record{}, err
	}

	loc := tr.Start.Location()
	events := make([]source.CalendarEvent, 0, len(items))
	for _, it := range items {
		if it.Status == "cancelled" {
			continue
		}
		ev, err := it.toEvent(loc)
		if err != nil {
			return source.Record{}, source.Errorf(ID, source.KindMalformed, "event %q: %v", it.Summary, err)
		}
		events = append(events, ev)
	}
	return source.Record{Source: ID, FetchedAt: time.Now().UTC(), Events: events}, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) listEvents(ctx context.Context, tr source.TimeRange) ([]gcalEvent, error) {
	q := url.Values{
		"timeMin":      {tr.Start.Format(time.RFC3339)},
		"timeMax":      {tr.End.Format(time.RFC3339)},
		"singleEvents": {"true"},
		"orderBy":      {"startTime"},
		"maxResults":   {maxResults},
	}
	u := a.cfg.BaseURL + "/calendars/" + url.PathEscape(a.cfg.CalendarID) + "/events?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, source.NewError(ID, source.KindMalformed, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, source.Classify(ID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, source.Errorf(ID, source.KindAuthExpired, "events: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, source.Errorf(ID, source.KindRateLimited, "events: status 429")
	case resp.StatusCode != http.StatusOK:
		return nil, source.Errorf(ID, source.KindNetwork, "events: status %d: %s", resp.StatusCode, snippet(resp.Body))
	}

	var page eventsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, source.Errorf(ID, source.KindMalformed, "events: decode: %v", err)
	}
	return page.Items, nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

type eventsPage struct {
	Items []gcalEvent `json:"items"`
}

type gcalEvent struct {
	ID       string   `json:"id"`
	Summary  string   `json:"summary"`
	Location string   `json:"location"`
	Status   string   `json:"status"`
	Start    gcalTime `json:"start"`
	End      gcalTime `json:"end"`
}

// gcalTime is either a timed instant (dateTime) or an all-day date.
type gcalTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

func (g gcalTime) parse(loc *time.Location) (time.Time, error) {
	if g.DateTime != "" {
		return time.Parse(time.RFC3339, g.DateTime)
	}
	// All-day bound: Google supplies the exclusive end date, so midnight
	// in loc on both ends yields the correct half-open day span.
	return time.ParseInLocation("2006-01-02", g.Date, loc)
}

func (e gcalEvent) toEvent(loc *time.Location) (source.CalendarEvent, error) {
	start, err := e.Start.parse(loc)
	if err != nil {
		return source.CalendarEvent{}, err
	}
	end, err := e.End.parse(loc)
	if err != nil {
		return source.CalendarEvent{}, err
	}
	return source.CalendarEvent{
		ID:       e.ID,
		Title:    e.Summary,
		Start:    start,
		End:      end,
		AllDay:   e.Start.Date != "",
		Location: e.Location,
		Source:   ID,
	}, nil
}
