package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func testAlert() Alert {
	return Alert{
		Title:    "Casa cu curte, Sector 3",
		PriceEUR: intPtr(150000),
		Location: "Sector 3, Bucuresti",
		Surface:  intPtr(70),
		Score:    70,
		Reason:   "score 70, price 150000 EUR within budget",
		URL:      "https://imobiliare.ro/casa-1",
		SentAt:   time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestFormat(t *testing.T) {
	msg := Format(testAlert())
	for _, want := range []string{
		"CASA HUNT ALERT",
		"[strong]",
		"Casa cu curte, Sector 3",
		"150000 EUR",
		"70mp",
		"70/100",
		"https://imobiliare.ro/casa-1",
		"2025-06-01 09:30",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatTiers(t *testing.T) {
	a := testAlert()
	a.Score = 90
	if !strings.Contains(Format(a), "[hot]") {
		t.Fatal("expected hot tier at 90")
	}
	a.Score = 60
	if !strings.Contains(Format(a), "[good]") {
		t.Fatal("expected good tier at 60")
	}
}

func TestFormatMissingFields(t *testing.T) {
	a := testAlert()
	a.PriceEUR = nil
	a.Surface = nil
	msg := Format(a)
	if !strings.Contains(msg, "N/A") {
		t.Fatalf("missing fields not rendered as N/A:\n%s", msg)
	}
}

func TestTelegramSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	tg := NewTelegram("tok-123", 5*time.Second)
	tg.BaseURL = srv.URL
	tg.Client = srv.Client()

	if err := tg.Send(context.Background(), "chat-9", "<b>hello</b>"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bottok-123/sendMessage" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "chat-9" || gotBody["parse_mode"] != "HTML" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestTelegramSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	tg := NewTelegram("tok-123", 5*time.Second)
	tg.BaseURL = srv.URL
	tg.Client = srv.Client()

	err := tg.Send(context.Background(), "chat-9", "hello")
	var de DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if !strings.Contains(de.Error(), "chat not found") {
		t.Fatalf("error = %v", de)
	}
}

func TestTelegramMissingToken(t *testing.T) {
	tg := NewTelegram("", time.Second)
	var de DeliveryError
	if err := tg.Send(context.Background(), "chat", "msg"); !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
}
