package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"casahunt/internal/domain"
	"casahunt/internal/repo"
)

// Analyzer scores stored listings and promotes high scorers to the
// decision stage.
type Analyzer struct {
	Repo              repo.Repo
	ApprovalThreshold int
	Now               func() time.Time
}

func (a Analyzer) Name() string        { return domain.AgentAnalyzer }
func (a Analyzer) MissionType() string { return domain.MissionAnalyze }

func (a Analyzer) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a Analyzer) threshold() int {
	if a.ApprovalThreshold > 0 {
		return a.ApprovalThreshold
	}
	return 70
}

func (a Analyzer) Handle(ctx context.Context, m domain.Mission) error {
	var payload ListingPayload
	if err := json.Unmarshal([]byte(m.PayloadJSON), &payload); err != nil {
		return Permanentf("decode analyze payload: %v", err)
	}
	listing, err := a.Repo.GetListing(ctx, payload.ListingID)
	if errors.Is(err, repo.ErrNotFound) {
		return Permanentf("listing %s not found", payload.ListingID)
	}
	if err != nil {
		return err
	}

	breakdown := Score(listing)
	if err := a.Repo.SetScore(ctx, listing.ID, breakdown.Total, a.now()); err != nil {
		return fmt.Errorf("set score for %s: %w", listing.ID, err)
	}
	if _, err := a.Repo.PublishEvent(ctx, domain.EventListingAnalyzed, map[string]any{
		"listing_id": listing.ID,
		"score":      breakdown.Total,
		"breakdown":  breakdown,
		"url":        listing.URL,
	}, domain.AgentAnalyzer, a.now()); err != nil {
		return err
	}

	// Re-analysis of an already decided listing must not reopen the
	// decision stage.
	if breakdown.Total < a.threshold() || listing.Decision != nil {
		return nil
	}
	_, err = a.Repo.EnqueueMission(ctx, domain.MissionDecide, ListingPayload{
		ListingID: listing.ID,
		Score:     breakdown.Total,
	}, a.now())
	return err
}
