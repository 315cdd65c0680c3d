// Package scrape is the scraping collaborator boundary: sources produce raw
// listing records, the coordination core never sees HTML. Selector
// maintenance lives with each concrete Source, outside this repo's scope.
package scrape

import (
	"context"
	"fmt"
	"strings"
)

// Record is a raw listing as produced by a source, before storage.
type Record struct {
	Source      string
	ExternalID  string
	URL         string
	Title       string
	PriceRaw    string
	PriceEUR    *int
	Location    string
	SurfaceMP   *int
	Rooms       *int
	FeaturesRaw string
	MetroNearby bool
}

// Params bound a fetch: the Scout passes these from config.
type Params struct {
	MaxPrice int
	MinPrice int
	Location string
}

// Source produces a finite batch of records per call. Each call is
// deduplicated within itself; cross-call dedup is the listing store's
// URL-uniqueness.
type Source interface {
	Name() string
	Fetch(ctx context.Context, p Params) ([]Record, error)
}

// FetchError marks a transport failure talking to a source.
type FetchError struct {
	Source string
	Err    error
}

func (e FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Source, e.Err) }
func (e FetchError) Unwrap() error { return e.Err }

// ParseError marks a source response that could not be interpreted.
type ParseError struct {
	Source string
	Err    error
}

func (e ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Source, e.Err) }
func (e ParseError) Unwrap() error { return e.Err }

// SourceFunc adapts a function to the Source interface.
type SourceFunc struct {
	SourceName string
	FetchFunc  func(ctx context.Context, p Params) ([]Record, error)
}

func (s SourceFunc) Name() string { return s.SourceName }

func (s SourceFunc) Fetch(ctx context.Context, p Params) ([]Record, error) {
	return s.FetchFunc(ctx, p)
}

var allowedDomains = []string{"imobiliare.ro", "storia.ro"}

// Validate applies the record quality gates before a record may be stored:
// a URL from an allowed source, a parsed price inside sane bounds, and a
// location more specific than the bare city name.
func Validate(rec Record) error {
	if rec.URL == "" {
		return fmt.Errorf("url is empty")
	}
	for _, td := range []string{"test.com", "example.com", "localhost"} {
		if strings.Contains(rec.URL, td) {
			return fmt.Errorf("test url rejected: %s", rec.URL)
		}
	}
	allowed := false
	for _, d := range allowedDomains {
		if strings.Contains(rec.URL, d) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("url not from an allowed source: %s", rec.URL)
	}
	if rec.PriceEUR == nil {
		return fmt.Errorf("price missing")
	}
	if *rec.PriceEUR < 10000 {
		return fmt.Errorf("price too low: %d EUR", *rec.PriceEUR)
	}
	if *rec.PriceEUR > 1000000 {
		return fmt.Errorf("price too high: %d EUR", *rec.PriceEUR)
	}
	loc := strings.ToLower(strings.TrimSpace(rec.Location))
	if loc == "" || loc == "n/a" {
		return fmt.Errorf("location is empty")
	}
	if loc == "bucuresti" {
		return fmt.Errorf("location too generic")
	}
	return nil
}
