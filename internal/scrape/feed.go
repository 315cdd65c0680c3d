package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// FeedSource pulls normalized records from a scraper sidecar over
// HTTP. The sidecar owns browser automation and selector maintenance
// and serves a JSON array of records.
type FeedSource struct {
	SourceName string
	FeedURL    string
	Client     *http.Client
}

func NewFeedSource(name, feedURL string, client *http.Client) *FeedSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &FeedSource{SourceName: name, FeedURL: feedURL, Client: client}
}

func (s *FeedSource) Name() string { return s.SourceName }

type feedRecord struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	PriceRaw   string `json:"price_raw"`
	Location   string `json:"location"`
	Features   string `json:"features"`
}

func (s *FeedSource) Fetch(ctx context.Context, p Params) ([]Record, error) {
	u, err := url.Parse(s.FeedURL)
	if err != nil {
		return nil, ParseError{Source: s.SourceName, Err: err}
	}
	q := u.Query()
	if p.MaxPrice > 0 {
		q.Set("max_price", strconv.Itoa(p.MaxPrice))
	}
	if p.MinPrice > 0 {
		q.Set("min_price", strconv.Itoa(p.MinPrice))
	}
	if p.Location != "" {
		q.Set("location", p.Location)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, FetchError{Source: s.SourceName, Err: err}
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return nil, FetchError{Source: s.SourceName, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, FetchError{Source: s.SourceName, Err: fmt.Errorf("status %d", res.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, FetchError{Source: s.SourceName, Err: err}
	}
	var raw []feedRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ParseError{Source: s.SourceName, Err: err}
	}

	records := make([]Record, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, fr := range raw {
		if seen[fr.URL] {
			continue
		}
		seen[fr.URL] = true
		priceRaw, priceEUR := ParsePrice(fr.PriceRaw)
		text := fr.Title + " " + fr.Features
		records = append(records, Record{
			Source:      s.SourceName,
			ExternalID:  fr.ExternalID,
			URL:         fr.URL,
			Title:       fr.Title,
			PriceRaw:    priceRaw,
			PriceEUR:    priceEUR,
			Location:    fr.Location,
			SurfaceMP:   ParseSurface(text),
			Rooms:       ParseRooms(text),
			FeaturesRaw: fr.Features,
			MetroNearby: MetroNearby(fr.Location + " " + text),
		})
	}
	return records, nil
}
