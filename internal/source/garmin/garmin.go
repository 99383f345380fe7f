// Package garmin fetches the daily activity summary from a Garmin Connect
// endpoint: steps, sleep duration, and resting heart rate.
package garmin

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
const ID = "garmin"

const (
	defaultBaseURL = "https://connect.garmin.com"
	summaryPath    = "/usersummary-service/usersummary/daily"
	maxErrorBody   = 512
)

// Adapter implements source.Adapter.
type Adapter struct {
	cfg config.GarminSource
	log logx.Logger
	hc  *http.Client

	connected atomic.Bool
}

// New builds the adapter. A nil httpClient gets a 30 s timeout default.
func New(cfg config.GarminSource, httpClient *http.Client, log logx.Logger) *Adapter {
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

// HealthCheck fetches today's summary; the endpoint is cheap and exercises
// auth end to end.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.connected.Load() {
		return source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}
	var out dailySummary
	return a.getSummary(ctx, time.Now(), &out)
}

// Fetch retrieves the daily summary for the day tr starts on.
func (a *Adapter) Fetch(ctx context.Context, tr source.TimeRange) (source.Record, error) {
	if !tr.Valid() {
		return source.Record{}, source.Errorf(ID, source.KindMalformed, "invalid range %s..%s", tr.Start, tr.End)
	}
	if !a.connected.Load() {
		return source.Record{}, source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}

	var sum dailySummary
	if err := a.getSummary(ctx, tr.Start, &sum); err != nil {
		return source.Record{}, err
	}

	h := source.HealthMetrics{
		Steps:     sum.TotalSteps,
		RestingHR: sum.RestingHeartRate,
	}
	if sum.SleepTimeSeconds != nil {
		h.SleepHours = source.Ptr(*sum.SleepTimeSeconds / 3600)
	}

	out := source.Record{Source: ID, FetchedAt: time.Now().UTC()}
	if h != (source.HealthMetrics{}) {
		out.Health = &h
	}
	return out, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) getSummary(ctx context.Context, day time.Time, out *dailySummary) error {
	q := url.Values{"calendarDate": {day.Format("2006-01-02")}}
	u := a.cfg.BaseURL + summaryPath + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return source.NewError(ID, source.KindMalformed, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.hc.Do(req)
	if err != nil {
		return source.Classify(ID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return source.Errorf(ID, source.KindAuthExpired, "summary: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return source.Errorf(ID, source.KindRateLimited, "summary: status 429")
	case resp.StatusCode != http.StatusOK:
		return source.Errorf(ID, source.KindNetwork, "summary: status %d: %s", resp.StatusCode, snippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return source.Errorf(ID, source.KindMalformed, "summary: decode: %v", err)
	}
	return nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

type dailySummary struct {
	TotalSteps       *int64   `json:"totalSteps"`
	RestingHeartRate *float64 `json:"restingHeartRate"`
	SleepTimeSeconds *float64 `json:"sleepTimeSeconds"`
}
