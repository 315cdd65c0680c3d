// Package notify is the outbound notification collaborator: formatted
// alerts go to an addressable target through a Sender.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Alert carries everything a notification needs about a listing.
type Alert struct {
	Title    string
	PriceEUR *int
	Location string
	Surface  *int
	Score    int
	Reason   string
	URL      string
	SentAt   time.Time
}

// DeliveryError marks a failed send; the mission retry path handles it.
type DeliveryError struct {
	Target string
	Err    error
}

func (e DeliveryError) Error() string { return fmt.Sprintf("deliver to %s: %v", e.Target, e.Err) }
func (e DeliveryError) Unwrap() error { return e.Err }

// Sender delivers a formatted message to a chat target.
type Sender interface {
	Send(ctx context.Context, chatID, message string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, chatID, message string) error

func (f SenderFunc) Send(ctx context.Context, chatID, message string) error {
	return f(ctx, chatID, message)
}

// Format renders the alert as Telegram HTML.
func Format(a Alert) string {
	tier := "good"
	switch {
	case a.Score >= 85:
		tier = "hot"
	case a.Score >= 70:
		tier = "strong"
	}
	price := "N/A"
	if a.PriceEUR != nil {
		price = fmt.Sprintf("%d EUR", *a.PriceEUR)
	}
	surface := "Surface N/A"
	if a.Surface != nil {
		surface = fmt.Sprintf("%dmp", *a.Surface)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>CASA HUNT ALERT</b> [%s]\n\n", tier)
	fmt.Fprintf(&b, "<b>%s</b>\n\n", a.Title)
	fmt.Fprintf(&b, "Price: <b>%s</b>\n", price)
	fmt.Fprintf(&b, "Location: <b>%s</b>\n", a.Location)
	fmt.Fprintf(&b, "Surface: <b>%s</b>\n", surface)
	fmt.Fprintf(&b, "Score: <b>%d/100</b>\n\n", a.Score)
	fmt.Fprintf(&b, "Approved: %s\n\n", a.Reason)
	fmt.Fprintf(&b, "<a href=%q>View Listing</a>\n\n", a.URL)
	fmt.Fprintf(&b, "%s", a.SentAt.Format("2006-01-02 15:04"))
	return b.String()
}

// Telegram sends messages through the Bot API.
type Telegram struct {
	Token   string
	BaseURL string
	Client  *http.Client
}

func NewTelegram(token string, timeout time.Duration) *Telegram {
	return &Telegram{
		Token:   token,
		BaseURL: "https://api.telegram.org",
		Client:  &http.Client{Timeout: timeout},
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, chatID, message string) error {
	if t.Token == "" {
		return DeliveryError{Target: chatID, Err: fmt.Errorf("telegram bot token not configured")}
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.Client.Do(req)
	if err != nil {
		return DeliveryError{Target: chatID, Err: err}
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	var parsed telegramResponse
	if err := json.Unmarshal(data, &parsed); err != nil || !parsed.OK {
		desc := parsed.Description
		if desc == "" {
			desc = fmt.Sprintf("status %d", res.StatusCode)
		}
		return DeliveryError{Target: chatID, Err: fmt.Errorf("telegram api: %s", desc)}
	}
	return nil
}
