package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"casahunt/internal/domain"
	"casahunt/internal/repo"
)

// Criteria are the hard gates a listing must clear to be approved.
type Criteria struct {
	MinScore         int
	BudgetCeiling    int
	AllowedLocations []string
	AllowedTypes     []string
	ExcludedTypes    []string
}

// DefaultCriteria mirrors the default hunt config.
func DefaultCriteria() Criteria {
	return Criteria{
		MinScore:         70,
		BudgetCeiling:    200000,
		AllowedLocations: []string{"bucuresti", "ilfov"},
		AllowedTypes:     []string{"casa", "vila", "duplex"},
		ExcludedTypes:    []string{"apartament", "garsoniera", "studio"},
	}
}

// Decide applies the gates in order and returns the verdict with a
// human-readable reason. The first failed gate rejects.
func Decide(l domain.Listing, c Criteria) (string, string) {
	score := 0
	if l.Score != nil {
		score = *l.Score
	}
	if score < c.MinScore {
		return domain.VerdictReject, fmt.Sprintf("score %d below threshold %d", score, c.MinScore)
	}
	if l.PriceEUR == nil || *l.PriceEUR > c.BudgetCeiling {
		price := "unknown"
		if l.PriceEUR != nil {
			price = fmt.Sprintf("%d EUR", *l.PriceEUR)
		}
		return domain.VerdictReject, fmt.Sprintf("price %s exceeds budget %d EUR", price, c.BudgetCeiling)
	}
	if !containsAny(l.Location, c.AllowedLocations) {
		return domain.VerdictReject, fmt.Sprintf("location %q not in target area", l.Location)
	}
	text := l.Title + " " + l.FeaturesRaw
	if !containsAny(text, c.AllowedTypes) || containsAny(text, c.ExcludedTypes) {
		return domain.VerdictReject, "property type not suitable, looking for casa/vila"
	}
	return domain.VerdictApprove, fmt.Sprintf(
		"score %d, price %d EUR within budget, location %s, house type confirmed",
		score, *l.PriceEUR, l.Location)
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Decision settles approve/reject verdicts on scored listings and
// promotes approvals to the notify stage.
type Decision struct {
	Repo     repo.Repo
	Criteria Criteria
	Now      func() time.Time
}

func (d Decision) Name() string        { return domain.AgentDecision }
func (d Decision) MissionType() string { return domain.MissionDecide }

func (d Decision) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Decision) Handle(ctx context.Context, m domain.Mission) error {
	var payload ListingPayload
	if err := json.Unmarshal([]byte(m.PayloadJSON), &payload); err != nil {
		return Permanentf("decode decide payload: %v", err)
	}
	listing, err := d.Repo.GetListing(ctx, payload.ListingID)
	if errors.Is(err, repo.ErrNotFound) {
		return Permanentf("listing %s not found", payload.ListingID)
	}
	if err != nil {
		return err
	}

	// A second decide mission for the same listing is a no-op; the
	// first verdict stands.
	if listing.Decision != nil {
		return nil
	}

	verdict, reason := Decide(listing, d.Criteria)
	if err := d.Repo.SetDecision(ctx, listing.ID, verdict, reason, d.now()); err != nil {
		return fmt.Errorf("set decision for %s: %w", listing.ID, err)
	}
	if _, err := d.Repo.PublishEvent(ctx, domain.EventListingDecided, map[string]any{
		"listing_id": listing.ID,
		"decision":   verdict,
		"reason":     reason,
		"score":      listing.Score,
		"price":      listing.PriceEUR,
	}, domain.AgentDecision, d.now()); err != nil {
		return err
	}

	if verdict != domain.VerdictApprove {
		return nil
	}
	_, err = d.Repo.EnqueueMission(ctx, domain.MissionNotify, ListingPayload{
		ListingID: listing.ID,
		Decision:  verdict,
		Reason:    reason,
	}, d.now())
	return err
}
