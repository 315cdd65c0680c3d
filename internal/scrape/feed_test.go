package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFeedSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("max_price"); got != "200000" {
			t.Errorf("max_price = %q", got)
		}
		json.NewEncoder(w).Encode([]map[string]string{
			{
				"external_id": "a1",
				"url":         "https://imobiliare.ro/casa-1",
				"title":       "Casa 4 camere, 120 mp, Sector 3",
				"price_raw":   "150.000 EUR",
				"location":    "Sector 3, Bucuresti",
				"features":    "aproape de metrou Titan",
			},
			{
				"external_id": "a1-dup",
				"url":         "https://imobiliare.ro/casa-1",
				"title":       "duplicate url",
				"price_raw":   "150.000 EUR",
				"location":    "Sector 3, Bucuresti",
			},
		})
	}))
	defer srv.Close()

	src := NewFeedSource("imobiliare.ro", srv.URL, srv.Client())
	records, err := src.Fetch(context.Background(), Params{MaxPrice: 200000})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected duplicate url collapsed, got %d records", len(records))
	}
	rec := records[0]
	if rec.PriceEUR == nil || *rec.PriceEUR != 150000 {
		t.Fatalf("price = %v", rec.PriceEUR)
	}
	if rec.SurfaceMP == nil || *rec.SurfaceMP != 120 {
		t.Fatalf("surface = %v", rec.SurfaceMP)
	}
	if rec.Rooms == nil || *rec.Rooms != 4 {
		t.Fatalf("rooms = %v", rec.Rooms)
	}
	if !rec.MetroNearby {
		t.Fatal("expected metro nearby")
	}
	if err := Validate(rec); err != nil {
		t.Fatalf("fetched record invalid: %v", err)
	}
}

func TestFeedSourceBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewFeedSource("storia.ro", srv.URL, srv.Client())
	_, err := src.Fetch(context.Background(), Params{})
	var fe FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Source != "storia.ro" {
		t.Fatalf("source = %q", fe.Source)
	}
}
