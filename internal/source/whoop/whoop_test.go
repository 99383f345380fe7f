package whoop

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"daybrief/internal/config"
	"daybrief/internal/source"
	"daybrief/pkg/logx"
)

const (
	recoveryBody = `{"records":[{"created_at":"2026-03-14T07:02:11Z","score":{"recovery_score":44,"hrv_rmssd_milli":38.5,"resting_heart_rate":61}}]}`
	sleepBody    = `{"records":[` +
		`{"nap":true,"score":{"sleep_performance_percentage":55,"stage_summary":{"total_sleep_time_milli":3600000}}},` +
		`{"nap":false,"score":{"sleep_performance_percentage":82,"stage_summary":{"total_sleep_time_milli":26640000}}}]}`
	cycleBody = `{"records":[{"score":{"strain":13.6}}]}`
)

type apiCapture struct {
	recoveryQuery url.Values
	tokenForm     url.Values
	authSeen      []string
}

// newAPI serves the three collection endpoints and the token exchange,
// rejecting any request not bearing wantToken.
func newAPI(t *testing.T, wantToken string, seen *apiCapture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/recovery", func(w http.ResponseWriter, r *http.Request) {
		seen.authSeen = append(seen.authSeen, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		seen.recoveryQuery = r.URL.Query()
		w.Write([]byte(recoveryBody))
	})
	mux.HandleFunc("/v1/activity/sleep", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(sleepBody))
	})
	mux.HandleFunc("/v1/cycle", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(cycleBody))
	})
	mux.HandleFunc("/oauth/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seen.tokenForm = r.PostForm
		if r.PostForm.Get("refresh_token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "tok-new",
			"refresh_token": "ref-new",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func connected(t *testing.T, cfg config.WhoopSource) *Adapter {
	t.Helper()
	a := New(cfg, nil, logx.Nop())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func day() source.TimeRange {
	return source.Day(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), time.UTC)
}

func TestFetchMapsDailyMetrics(t *testing.T) {
	t.Parallel()
	var seen apiCapture
	srv := newAPI(t, "tok-a", &seen)
	a := connected(t, config.WhoopSource{BaseURL: srv.URL, AccessToken: "tok-a"})

	rec, err := a.Fetch(context.Background(), day())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Source != ID || rec.Health == nil {
		t.Fatalf("record = %+v, want health from %s", rec, ID)
	}
	h := rec.Health
	if h.RecoveryPct == nil || *h.RecoveryPct != 44 {
		t.Errorf("RecoveryPct = %v, want 44", h.RecoveryPct)
	}
	if h.HRVms == nil || *h.HRVms != 38.5 {
		t.Errorf("HRVms = %v, want 38.5", h.HRVms)
	}
	if h.RestingHR == nil || *h.RestingHR != 61 {
		t.Errorf("RestingHR = %v, want 61", h.RestingHR)
	}
	// The nap record comes first in the payload and must be skipped.
	if h.SleepScore == nil || *h.SleepScore != 82 {
		t.Errorf("SleepScore = %v, want 82 (nap excluded)", h.SleepScore)
	}
	if h.SleepHours == nil || math.Abs(*h.SleepHours-7.4) > 1e-9 {
		t.Errorf("SleepHours = %v, want 7.4", h.SleepHours)
	}
	if h.Strain == nil || *h.Strain != 13.6 {
		t.Errorf("Strain = %v, want 13.6", h.Strain)
	}
	if h.Steps != nil {
		t.Errorf("Steps = %v, want nil (whoop does not report steps)", h.Steps)
	}

	q := seen.recoveryQuery
	if q.Get("start") != "2026-03-14T00:00:00Z" || q.Get("end") != "2026-03-15T00:00:00Z" {
		t.Errorf("range query = start=%q end=%q", q.Get("start"), q.Get("end"))
	}
	if q.Get("limit") != "25" {
		t.Errorf("limit = %q, want 25", q.Get("limit"))
	}
}

func TestFetchEmptyCollections(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[]}`))
	}))
	t.Cleanup(srv.Close)
	a := connected(t, config.WhoopSource{BaseURL: srv.URL, AccessToken: "tok"})

	rec, err := a.Fetch(context.Background(), day())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Health != nil {
		t.Fatalf("Health = %+v, want nil when no records", rec.Health)
	}
}

func TestFetchErrorKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   source.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, "", source.KindAuthExpired},
		{"throttled", http.StatusTooManyRequests, "slow down", source.KindRateLimited},
		{"server error", http.StatusInternalServerError, "boom", source.KindNetwork},
		{"garbage body", http.StatusOK, "{not json", source.KindMalformed},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)
			a := connected(t, config.WhoopSource{BaseURL: srv.URL, AccessToken: "tok"})

			_, err := a.Fetch(context.Background(), day())
			if got := source.KindOf(err); got != tc.want {
				t.Fatalf("kind = %v, want %v (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestFetchInvertedRange(t *testing.T) {
	t.Parallel()
	a := connected(t, config.WhoopSource{BaseURL: "http://127.0.0.1:1", AccessToken: "tok"})
	tr := source.TimeRange{Start: time.Now(), End: time.Now().Add(-time.Hour)}
	_, err := a.Fetch(context.Background(), tr)
	if source.KindOf(err) != source.KindMalformed {
		t.Fatalf("err = %v, want KindMalformed", err)
	}
}

func TestFetchBeforeConnect(t *testing.T) {
	t.Parallel()
	a := New(config.WhoopSource{BaseURL: "http://127.0.0.1:1", AccessToken: "tok"}, nil, logx.Nop())
	if _, err := a.Fetch(context.Background(), day()); err == nil {
		t.Fatal("Fetch before Connect succeeded")
	}
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect before Connect: %v", err)
	}
}

func TestRefreshAuthRotatesAndPersists(t *testing.T) {
	t.Parallel()
	var seen apiCapture
	srv := newAPI(t, "tok-new", &seen)
	tokenFile := filepath.Join(t.TempDir(), "whoop-token.json")
	a := connected(t, config.WhoopSource{
		BaseURL:      srv.URL,
		ClientID:     "cid",
		ClientSecret: "csec",
		AccessToken:  "tok-old",
		RefreshToken: "ref-old",
		TokenFile:    tokenFile,
	})

	if err := a.RefreshAuth(context.Background()); err != nil {
		t.Fatalf("RefreshAuth: %v", err)
	}

	form := seen.tokenForm
	want := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     "cid",
		"client_secret": "csec",
		"refresh_token": "ref-old",
	}
	for k, v := range want {
		if form.Get(k) != v {
			t.Errorf("form[%s] = %q, want %q", k, form.Get(k), v)
		}
	}

	// Subsequent requests carry the rotated access token.
	if _, err := a.Fetch(context.Background(), day()); err != nil {
		t.Fatalf("Fetch after refresh: %v", err)
	}

	fi, err := os.Stat(tokenFile)
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 0600", perm)
	}
	pair, err := loadTokenFile(tokenFile)
	if err != nil {
		t.Fatalf("loadTokenFile: %v", err)
	}
	if pair.AccessToken != "tok-new" || pair.RefreshToken != "ref-new" {
		t.Errorf("persisted pair = %+v, want rotated pair", pair)
	}
}

func TestRefreshAuthRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	a := connected(t, config.WhoopSource{BaseURL: srv.URL, AccessToken: "tok", RefreshToken: "spent"})

	err := a.RefreshAuth(context.Background())
	if source.KindOf(err) != source.KindAuthExpired {
		t.Fatalf("err = %v, want KindAuthExpired", err)
	}
}

func TestRefreshAuthWithoutRefreshToken(t *testing.T) {
	t.Parallel()
	a := connected(t, config.WhoopSource{BaseURL: "http://127.0.0.1:1", AccessToken: "tok"})
	if err := a.RefreshAuth(context.Background()); source.KindOf(err) != source.KindAuthExpired {
		t.Fatalf("err = %v, want KindAuthExpired", err)
	}
}

func TestConnectPrefersPersistedPair(t *testing.T) {
	t.Parallel()
	var seen apiCapture
	srv := newAPI(t, "tok-file", &seen)
	tokenFile := filepath.Join(t.TempDir(), "token.json")
	if err := saveTokenFile(tokenFile, tokenPair{AccessToken: "tok-file", RefreshToken: "ref-file"}); err != nil {
		t.Fatalf("seed token file: %v", err)
	}

	// The config pair is stale; the persisted one must win.
	a := connected(t, config.WhoopSource{
		BaseURL:      srv.URL,
		AccessToken:  "tok-stale",
		RefreshToken: "ref-stale",
		TokenFile:    tokenFile,
	})
	if _, err := a.Fetch(context.Background(), day()); err != nil {
		t.Fatalf("Fetch with persisted token: %v", err)
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	t.Parallel()
	a := New(config.WhoopSource{BaseURL: "http://127.0.0.1:1"}, nil, logx.Nop())
	err := a.Connect(context.Background())
	if source.KindOf(err) != source.KindAuthExpired {
		t.Fatalf("err = %v, want KindAuthExpired", err)
	}
}
