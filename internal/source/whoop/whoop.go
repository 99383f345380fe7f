// Package whoop fetches recovery, sleep, and strain metrics from the WHOOP
// developer API. The API uses OAuth2 bearer tokens whose refresh token
// rotates on every exchange, so rotated pairs are persisted to token_file
// when one is configured.
package whoop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"daybrief/internal/config"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

// ID is the source ID this adapter registers under.
const ID = "whoop"

const (
	defaultBaseURL = "https://api.prod.whoop.com/developer"
	pageLimit      = 25
	maxErrorBody   = 512
)

// Adapter implements source.Adapter and source.TokenRefresher.
type Adapter struct {
	cfg config.WhoopSource
	log logx.Logger
	hc  *http.Client

	mu        sync.Mutex
	access    string
	refresh   string
	connected bool
}

// New builds the adapter. A nil httpClient gets a 30 s timeout default.
func New(cfg config.WhoopSource, httpClient *http.Client, log logx.Logger) *Adapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("source", ID)),
		hc:      httpClient,
		access:  cfg.AccessToken,
		refresh: cfg.RefreshToken,
	}
}

// Connect loads any persisted token pair and verifies credentials exist.
// A persisted pair wins over the configured one: WHOOP rotates the refresh
// token on every exchange, so the file is always newer than the config.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.TokenFile != "" {
		pair, err := loadTokenFile(a.cfg.TokenFile)
		switch {
		case err == nil:
			a.access, a.refresh = pair.AccessToken, pair.RefreshToken
			a.log.Debug("token pair loaded from file")
		case errors.Is(err, os.ErrNotExist):
			// First run: nothing persisted yet, config pair stands.
		default:
			return source.NewError(ID, source.KindMalformed, err)
		}
	}
	if a.access == "" && a.refresh == "" {
		return source.Errorf(ID, source.KindAuthExpired, "no access or refresh token configured")
	}
	a.connected = true
	return nil
}

// HealthCheck probes the API with the cheapest authenticated call.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.isConnected() {
		return source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}
	var out struct {
		UserID int64 `json:"user_id"`
	}
	return a.getJSON(ctx, "/v1/user/profile/basic", nil, &out)
}

// Fetch pulls the latest recovery, sleep, and cycle records overlapping tr
// and maps them to health metrics. Naps are excluded from the sleep mapping;
// strain comes from the newest cycle.
func (a *Adapter) Fetch(ctx context.Context, tr source.TimeRange) (source.Record, error) {
	if !tr.Valid() {
		return source.Record{}, source.Errorf(ID, source.KindMalformed, "invalid range %s..%s", tr.Start, tr.End)
	}
	if !a.isConnected() {
		return source.Record{}, source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}

	q := rangeQuery(tr)
	var rec recoveryPage
	if err := a.getJSON(ctx, "/v1/recovery", q, &rec); err != nil {
		return source.Record{}, err
	}
	var slp sleepPage
	if err := a.getJSON(ctx, "/v1/activity/sleep", q, &slp); err != nil {
		return source.Record{}, err
	}
	var cyc cyclePage
	if err := a.getJSON(ctx, "/v1/cycle", q, &cyc); err != nil {
		return source.Record{}, err
	}

	h := source.HealthMetrics{}
	if len(rec.Records) > 0 {
		sc := rec.Records[0].Score
		h.RecoveryPct = sc.RecoveryScore
		h.HRVms = sc.HRVRmssdMilli
		h.RestingHR = sc.RestingHeartRate
	}
	for _, s := range slp.Records {
		if s.Nap {
			continue
		}
		h.SleepScore = s.Score.SleepPerformancePct
		if ms := s.Score.StageSummary.TotalSleepTimeMilli; ms != nil {
			h.SleepHours = source.Ptr(*ms / 3.6e6)
		}
		break
	}
	if len(cyc.Records) > 0 {
		h.Strain = cyc.Records[0].Score.Strain
	}

	out := source.Record{Source: ID, FetchedAt: time.Now().UTC()}
	if h != (source.HealthMetrics{}) {
		out.Health = &h
	}
	return out, nil
}

// Disconnect drops the session mark. Idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

// RefreshAuth exchanges the rotating refresh token for a new pair. The new
// pair replaces the in-memory one and, when token_file is set, is persisted
// before returning.
func (a *Adapter) RefreshAuth(ctx context.Context) error {
	a.mu.Lock()
	refresh := a.refresh
	a.mu.Unlock()
	if refresh == "" {
		return source.Errorf(ID, source.KindAuthExpired, "no refresh token to exchange")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
		"refresh_token": {refresh},
		"scope":         {"offline"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return source.NewError(ID, source.KindMalformed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.hc.Do(req)
	if err != nil {
		return source.Classify(ID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// The refresh token was already spent or revoked; only a new
		// manual authorization can recover.
		return source.Errorf(ID, source.KindAuthExpired, "token exchange rejected: status %d: %s", resp.StatusCode, snippet(resp.Body))
	case resp.StatusCode != http.StatusOK:
		return source.Errorf(ID, source.KindNetwork, "token exchange: status %d: %s", resp.StatusCode, snippet(resp.Body))
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return source.Errorf(ID, source.KindMalformed, "token exchange: decode: %v", err)
	}
	if pair.AccessToken == "" {
		return source.Errorf(ID, source.KindMalformed, "token exchange: empty access token")
	}

	a.mu.Lock()
	a.access = pair.AccessToken
	rotated := pair.RefreshToken != "" && pair.RefreshToken != a.refresh
	if pair.RefreshToken != "" {
		a.refresh = pair.RefreshToken
	}
	persisted := tokenPair{AccessToken: a.access, RefreshToken: a.refresh}
	a.mu.Unlock()

	if a.cfg.TokenFile != "" {
		if err := saveTokenFile(a.cfg.TokenFile, persisted); err != nil {
			return source.Errorf(ID, source.KindMalformed, "persist token pair: %v", err)
		}
	}
	a.log.Info("token refreshed",
		logx.Bool("rotated", rotated),
		logx.Bool("persisted", a.cfg.TokenFile != ""))
	return nil
}

func (a *Adapter) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// tokenURL derives the OAuth endpoint from the API base, which carries a
// /developer suffix the token host does not.
func (a *Adapter) tokenURL() string {
	return strings.TrimSuffix(a.cfg.BaseURL, "/developer") + "/oauth/oauth2/token"
}

func (a *Adapter) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := a.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return source.NewError(ID, source.KindMalformed, err)
	}
	a.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+a.access)
	a.mu.Unlock()

	resp, err := a.hc.Do(req)
	if err != nil {
		return source.Classify(ID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return source.Errorf(ID, source.KindAuthExpired, "%s: status 401", path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return source.Errorf(ID, source.KindRateLimited, "%s: status 429", path)
	case resp.StatusCode != http.StatusOK:
		return source.Errorf(ID, source.KindNetwork, "%s: status %d: %s", path, resp.StatusCode, snippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return source.Errorf(ID, source.KindMalformed, "%s: decode: %v", path, err)
	}
	return nil
}

func rangeQuery(tr source.TimeRange) url.Values {
	return url.Values{
		"start": {tr.Start.UTC().Format(time.RFC3339)},
		"end":   {tr.End.UTC().Format(time.RFC3339)},
		"limit": {strconv.Itoa(pageLimit)},
	}
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

// Collection payloads, newest record first.

type recoveryPage struct {
	Records []recoveryRecord `json:"records"`
}

type recoveryRecord struct {
	CreatedAt time.Time     `json:"created_at"`
	Score     recoveryScore `json:"score"`
}

type recoveryScore struct {
	RecoveryScore    *float64 `json:"recovery_score"`
	HRVRmssdMilli    *float64 `json:"hrv_rmssd_milli"`
	RestingHeartRate *float64 `json:"resting_heart_rate"`
}

type sleepPage struct {
	Records []sleepRecord `json:"records"`
}

type cyclePage struct {
	Records []cycleRecord `json:"records"`
}

type cycleRecord struct {
	Score struct {
		Strain *float64 `json:"strain"`
	} `json:"score"`
}

type sleepRecord struct {
	Nap   bool       `json:"nap"`
	Score sleepScore `json:"score"`
}

type sleepScore struct {
	SleepPerformancePct *float64 `json:"sleep_performance_percentage"`
	StageSummary        struct {
		TotalSleepTimeMilli *float64 `json:"total_sleep_time_milli"`
	} `json:"stage_summary"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func loadTokenFile(path string) (tokenPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return tokenPair{}, err
	}
	var p tokenPair
	if err := json.Unmarshal(b, &p); err != nil {
		return tokenPair{}, fmt.Errorf("token file %s: %w", path, err)
	}
	return p, nil
}

// saveTokenFile writes the pair 0600 via tmp+rename; a crash mid-write must
// never truncate the only copy of a rotated refresh token.
func saveTokenFile(path string, p tokenPair) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
