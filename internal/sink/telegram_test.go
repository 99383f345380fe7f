package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	"daybrief/internal/config"
	"daybrief/pkg/logx"
)

// tgServer fakes the Bot API sendMessage endpoint and records every call's
// decoded parameters. reject, when set, fails a call with the returned
// description.
type tgServer struct {
	t      *testing.T
	reject func(params map[string]string) string

	mu    sync.Mutex
	calls []map[string]string
}

func (s *tgServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/bottest-token/sendMessage" {
		s.t.Errorf("unexpected path %s", r.URL.Path)
		http.NotFound(w, r)
		return
	}
	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.t.Errorf("decode params: %v", err)
	}
	s.mu.Lock()
	s.calls = append(s.calls, params)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if s.reject != nil {
		if desc := s.reject(params); desc != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":%q}`, desc)
			return
		}
	}
	fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":99}}}`)
}

func (s *tgServer) sent() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func newTestTelegram(t *testing.T, cfg config.TelegramSink, api *tgServer) *Telegram {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handle))
	t.Cleanup(srv.Close)

	tg, err := newTelegramBot(cfg, logx.Nop(), tele.Settings{
		Token:   cfg.Token,
		URL:     srv.URL,
		Offline: true,
	})
	if err != nil {
		t.Fatalf("newTelegramBot() error = %v", err)
	}
	return tg
}

func TestNewTelegramValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegram(config.TelegramSink{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := NewTelegram(config.TelegramSink{Token: "t"}, logx.Nop()); err == nil {
		t.Fatal("zero chat_id accepted")
	}
}

func TestDeliverSendsMarkdown(t *testing.T) {
	t.Parallel()

	api := &tgServer{t: t}
	tg := newTestTelegram(t, config.TelegramSink{Token: "test-token", ChatID: 99, ThreadID: 7}, api)

	err := tg.Deliver(context.Background(), Artifact{
		Kind:  "briefing",
		Title: "Daily Briefing",
		Body:  "hello *world*",
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	calls := api.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1", len(calls))
	}
	p := calls[0]
	if p["chat_id"] != "99" {
		t.Fatalf("chat_id = %q, want 99", p["chat_id"])
	}
	if p["text"] != "hello *world*" {
		t.Fatalf("text = %q", p["text"])
	}
	if p["parse_mode"] != "Markdown" {
		t.Fatalf("parse_mode = %q, want Markdown", p["parse_mode"])
	}
	if p["message_thread_id"] != "7" {
		t.Fatalf("message_thread_id = %q, want 7", p["message_thread_id"])
	}
}

func TestDeliverSplitsLongText(t *testing.T) {
	t.Parallel()

	api := &tgServer{t: t}
	tg := newTestTelegram(t, config.TelegramSink{Token: "test-token", ChatID: 99}, api)

	first := strings.Repeat("a", 3000)
	rest := strings.Repeat("b", 3000) + "\n" + strings.Repeat("c", 500)
	err := tg.Deliver(context.Background(), Artifact{Kind: "briefing", Body: first + "\n" + rest})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	calls := api.sent()
	if len(calls) != 2 {
		t.Fatalf("got %d sends, want 2", len(calls))
	}
	if calls[0]["text"] != first {
		t.Fatalf("first chunk = %d runes, want the leading paragraph", len([]rune(calls[0]["text"])))
	}
	if calls[1]["text"] != rest {
		t.Fatalf("second chunk = %d runes, want the remainder", len([]rune(calls[1]["text"])))
	}
}

func TestDeliverMarkdownRetriesPlain(t *testing.T) {
	t.Parallel()

	api := &tgServer{t: t}
	api.reject = func(params map[string]string) string {
		if params["parse_mode"] != "" {
			return "Bad Request: can't parse entities: Character '_' is reserved"
		}
		return ""
	}
	tg := newTestTelegram(t, config.TelegramSink{Token: "test-token", ChatID: 99}, api)

	err := tg.Deliver(context.Background(), Artifact{Kind: "briefing", Body: "broken _markdown"})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	calls := api.sent()
	if len(calls) != 2 {
		t.Fatalf("got %d sends, want markdown attempt + plain retry", len(calls))
	}
	if calls[0]["parse_mode"] != "Markdown" {
		t.Fatalf("first parse_mode = %q, want Markdown", calls[0]["parse_mode"])
	}
	if _, ok := calls[1]["parse_mode"]; ok {
		t.Fatalf("retry still has parse_mode = %q", calls[1]["parse_mode"])
	}
	if calls[1]["text"] != "broken _markdown" {
		t.Fatalf("retry text = %q", calls[1]["text"])
	}
}

func TestDeliverNonParseErrorFails(t *testing.T) {
	t.Parallel()

	api := &tgServer{t: t}
	api.reject = func(map[string]string) string {
		return "Bad Request: chat not found"
	}
	tg := newTestTelegram(t, config.TelegramSink{Token: "test-token", ChatID: 99}, api)

	if err := tg.Deliver(context.Background(), Artifact{Kind: "briefing", Body: "x"}); err == nil {
		t.Fatal("Deliver() succeeded, want error")
	}
	if got := len(api.sent()); got != 1 {
		t.Fatalf("got %d sends, want 1 (no plain retry for non-parse errors)", got)
	}
}

func TestSendAlertPlain(t *testing.T) {
	t.Parallel()

	api := &tgServer{t: t}
	tg := newTestTelegram(t, config.TelegramSink{Token: "test-token", ChatID: 99}, api)

	if err := tg.SendAlert(context.Background(), "ERR runner: job failed"); err != nil {
		t.Fatalf("SendAlert() error = %v", err)
	}
	calls := api.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1", len(calls))
	}
	if _, ok := calls[0]["parse_mode"]; ok {
		t.Fatalf("alert sent with parse_mode = %q, want plain", calls[0]["parse_mode"])
	}
	if calls[0]["text"] != "ERR runner: job failed" {
		t.Fatalf("text = %q", calls[0]["text"])
	}
}

func TestDeliverBodyFallsBackToTitle(t *testing.T) {
	t.Parallel()

	api := &tgServer{t: t}
	tg := newTestTelegram(t, config.TelegramSink{Token: "test-token", ChatID: 99}, api)

	if err := tg.Deliver(context.Background(), Artifact{Kind: "alert", Title: "Ping"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := tg.Deliver(context.Background(), Artifact{Kind: "alert"}); err != nil {
		t.Fatalf("Deliver() empty artifact error = %v", err)
	}

	calls := api.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1 (empty artifact skipped)", len(calls))
	}
	if calls[0]["text"] != "Ping" {
		t.Fatalf("text = %q, want title fallback", calls[0]["text"])
	}
}

func TestDeliverHonorsContext(t *testing.T) {
	t.Parallel()

	api := &tgServer{t: t}
	tg := newTestTelegram(t, config.TelegramSink{Token: "test-token", ChatID: 99}, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Deliver(ctx, Artifact{Kind: "briefing", Body: "x"}); err == nil {
		t.Fatal("Deliver() with canceled context succeeded")
	}
	if got := len(api.sent()); got != 0 {
		t.Fatalf("got %d sends after cancel, want 0", got)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{
			name:  "short passthrough",
			in:    "hi",
			limit: 10,
			want:  []string{"hi"},
		},
		{
			name:  "exact limit",
			in:    strings.Repeat("x", 10),
			limit: 10,
			want:  []string{strings.Repeat("x", 10)},
		},
		{
			name:  "prefers newline boundary",
			in:    "aaaa\nbbbb",
			limit: 6,
			want:  []string{"aaaa", "bbbb"},
		},
		{
			name:  "hard split without newline",
			in:    "abcdefghij",
			limit: 4,
			want:  []string{"abcd", "efgh", "ij"},
		},
		{
			name:  "skips blank lines between chunks",
			in:    "aaaa\n\n\nbbbb",
			limit: 6,
			want:  []string{"aaaa", "bbbb"},
		},
		{
			name:  "ignores newline too close to start",
			in:    "ab\n" + strings.Repeat("c", 20),
			limit: 9,
			want:  []string{"ab\ncccccc", strings.Repeat("c", 9), strings.Repeat("c", 5)},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tc.in, tc.limit)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d chunks %q, want %d", len(got), got, len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("chunk %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}
