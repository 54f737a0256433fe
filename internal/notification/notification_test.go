package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pattern-trader/internal/model"
)

type recorder struct {
	got []model.Event
	err error
}

func (r *recorder) Publish(_ context.Context, ev model.Event) error {
	r.got = append(r.got, ev)
	return r.err
}

var rejected = model.Event{
	Type:   model.EventSignalRejected,
	Symbol: "INFY",
	Stage:  "risk",
	Reason: "risk/reward 1.10 below 1.50",
	TS:     time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
}

func TestAlertOf(t *testing.T) {
	a := AlertOf(rejected)
	if a.Level != AlertWarning || a.Title != "INFY signal_rejected" {
		t.Errorf("alert = %+v", a)
	}
	if !strings.Contains(a.Message, "stage: risk") || !strings.Contains(a.Message, "below 1.50") {
		t.Errorf("message = %q", a.Message)
	}
}

func TestMultiAttemptsAll(t *testing.T) {
	a := &recorder{err: errors.New("down")}
	b := &recorder{}
	err := Multi{a, b}.Publish(context.Background(), rejected)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(b.got) != 1 {
		t.Error("second publisher skipped after first failed")
	}
}

func TestMinLevel(t *testing.T) {
	r := &recorder{}
	p := MinLevel{Level: AlertWarning, Next: r}
	p.Publish(context.Background(), model.Event{Type: model.EventSymbolScanned})
	p.Publish(context.Background(), rejected)
	p.Publish(context.Background(), model.Event{Type: model.EventOrderFailed})
	if len(r.got) != 2 {
		t.Errorf("forwarded %d events, want 2", len(r.got))
	}
}

func TestWebhookPostsEvent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Publish(context.Background(), rejected); err != nil {
		t.Fatal(err)
	}
	if body["level"] != "WARNING" {
		t.Errorf("level = %v", body["level"])
	}
	ev, _ := body["event"].(map[string]any)
	if ev["symbol"] != "INFY" || ev["stage"] != "risk" {
		t.Errorf("event = %v", ev)
	}
}

func TestWebhookStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhook(srv.URL).Publish(context.Background(), rejected); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestTelegramSendsMarkdown(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	if err := tg.Publish(context.Background(), rejected); err != nil {
		t.Fatal(err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if body["chat_id"] != "42" || body["parse_mode"] != "MarkdownV2" {
		t.Errorf("body = %v", body)
	}
	text, _ := body["text"].(string)
	if !strings.Contains(text, `1\.50`) || !strings.Contains(text, `signal\_rejected`) {
		t.Errorf("text not escaped: %q", text)
	}
	if !strings.Contains(text, `2024\-03\-04 10:00:00`) {
		t.Errorf("text missing event time: %q", text)
	}
}

func TestFromConfig(t *testing.T) {
	if n := len(FromConfig(Config{})); n != 1 {
		t.Errorf("default publishers = %d, want 1", n)
	}
	if n := len(FromConfig(Config{WebhookURL: "http://x", TelegramToken: "t", TelegramChatID: "c"})); n != 3 {
		t.Errorf("publishers = %d, want 3", n)
	}
}

type eventStore struct{ recorder }

func (eventStore) Get(context.Context, string) ([]byte, error) { return nil, model.ErrNotFound }
func (eventStore) Put(context.Context, string, []byte) error   { return nil }
func (s *eventStore) AppendEvent(ctx context.Context, ev model.Event) error {
	return s.Publish(ctx, ev)
}

func TestStoreLogAppends(t *testing.T) {
	st := &eventStore{}
	if err := (StoreLog{Store: st}).Publish(context.Background(), rejected); err != nil {
		t.Fatal(err)
	}
	if len(st.got) != 1 || st.got[0].Symbol != "INFY" {
		t.Errorf("appended = %+v", st.got)
	}
}
