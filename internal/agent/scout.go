package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"casahunt/internal/domain"
	"casahunt/internal/repo"
	"casahunt/internal/scrape"
)

// ScrapePayload is a scrape mission's payload: one source, bounded by
// the configured search window.
type ScrapePayload struct {
	Source   string `json:"source"`
	MaxPrice int    `json:"max_price"`
	MinPrice int    `json:"min_price"`
	Location string `json:"location"`
}

// Scout pulls raw records from a source, validates them, and stores
// new listings. Each new listing gets an analyze mission.
type Scout struct {
	Repo        repo.Repo
	Sources     map[string]scrape.Source
	CallTimeout time.Duration
	Logger      *log.Logger
	Now         func() time.Time
}

func (s Scout) Name() string        { return domain.AgentScout }
func (s Scout) MissionType() string { return domain.MissionScrape }

func (s Scout) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Scout) Handle(ctx context.Context, m domain.Mission) error {
	var payload ScrapePayload
	if err := json.Unmarshal([]byte(m.PayloadJSON), &payload); err != nil {
		return Permanentf("decode scrape payload: %v", err)
	}
	source, ok := s.Sources[payload.Source]
	if !ok {
		return Permanentf("unknown source %q", payload.Source)
	}

	fetchCtx := ctx
	if s.CallTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.CallTimeout)
		defer cancel()
	}
	records, err := source.Fetch(fetchCtx, scrape.Params{
		MaxPrice: payload.MaxPrice,
		MinPrice: payload.MinPrice,
		Location: payload.Location,
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", payload.Source, err)
	}

	var created, skipped int
	var newIDs []string
	for _, rec := range records {
		if err := scrape.Validate(rec); err != nil {
			skipped++
			if s.Logger != nil {
				s.Logger.Printf("scout: skip record %s: %v", rec.URL, err)
			}
			continue
		}
		listing, isNew, err := s.Repo.UpsertListing(ctx, recordToListing(rec, s.now()), s.now())
		if err != nil {
			return fmt.Errorf("store listing %s: %w", rec.URL, err)
		}
		if !isNew {
			continue
		}
		created++
		newIDs = append(newIDs, listing.ID)
		if _, err := s.Repo.EnqueueMission(ctx, domain.MissionAnalyze, ListingPayload{ListingID: listing.ID}, s.now()); err != nil {
			return fmt.Errorf("enqueue analyze for %s: %w", listing.ID, err)
		}
	}

	_, err = s.Repo.PublishEvent(ctx, domain.EventListingsScraped, map[string]any{
		"source":      payload.Source,
		"fetched":     len(records),
		"new":         created,
		"skipped":     skipped,
		"listing_ids": newIDs,
	}, domain.AgentScout, s.now())
	return err
}

func recordToListing(rec scrape.Record, scrapedAt time.Time) domain.Listing {
	raw, _ := json.Marshal(rec)
	return domain.Listing{
		Source:      rec.Source,
		ExternalID:  rec.ExternalID,
		URL:         rec.URL,
		Title:       rec.Title,
		PriceRaw:    rec.PriceRaw,
		PriceEUR:    rec.PriceEUR,
		Location:    rec.Location,
		SurfaceMP:   rec.SurfaceMP,
		Rooms:       rec.Rooms,
		FeaturesRaw: rec.FeaturesRaw,
		MetroNearby: rec.MetroNearby,
		ScrapedAt:   scrapedAt.Format(time.RFC3339),
		RawJSON:     string(raw),
	}
}

// SeedScrapeMissions enqueues one scrape mission per configured source.
// The daemon calls this on the scout cadence.
func SeedScrapeMissions(ctx context.Context, rp repo.Repo, sources []string, p scrape.Params, now time.Time) (int, error) {
	var n int
	for _, name := range sources {
		_, err := rp.EnqueueMission(ctx, domain.MissionScrape, ScrapePayload{
			Source:   name,
			MaxPrice: p.MaxPrice,
			MinPrice: p.MinPrice,
			Location: p.Location,
		}, now)
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
