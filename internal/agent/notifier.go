package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"casahunt/internal/domain"
	"casahunt/internal/notify"
	"casahunt/internal/repo"
)

// Notifier delivers an alert for each approved listing. notified_at on
// the listing is the exactly-once guard: a retried mission whose
// listing is already stamped completes without sending again.
type Notifier struct {
	Repo        repo.Repo
	Sender      notify.Sender
	ChatID      string
	CallTimeout time.Duration
	Now         func() time.Time
}

func (n Notifier) Name() string        { return domain.AgentNotifier }
func (n Notifier) MissionType() string { return domain.MissionNotify }

func (n Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

func (n Notifier) Handle(ctx context.Context, m domain.Mission) error {
	var payload ListingPayload
	if err := json.Unmarshal([]byte(m.PayloadJSON), &payload); err != nil {
		return Permanentf("decode notify payload: %v", err)
	}
	listing, err := n.Repo.GetListing(ctx, payload.ListingID)
	if errors.Is(err, repo.ErrNotFound) {
		return Permanentf("listing %s not found", payload.ListingID)
	}
	if err != nil {
		return err
	}
	if listing.NotifiedAt != nil {
		return nil
	}
	if listing.Decision == nil || *listing.Decision != domain.VerdictApprove {
		return Permanentf("listing %s is not approved", listing.ID)
	}

	reason := payload.Reason
	if reason == "" && listing.DecisionReason != nil {
		reason = *listing.DecisionReason
	}
	score := 0
	if listing.Score != nil {
		score = *listing.Score
	}
	message := notify.Format(notify.Alert{
		Title:    listing.Title,
		PriceEUR: listing.PriceEUR,
		Location: listing.Location,
		Surface:  listing.SurfaceMP,
		Score:    score,
		Reason:   reason,
		URL:      listing.URL,
		SentAt:   n.now(),
	})

	sendCtx := ctx
	if n.CallTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, n.CallTimeout)
		defer cancel()
	}
	if err := n.Sender.Send(sendCtx, n.ChatID, message); err != nil {
		return fmt.Errorf("send alert for %s: %w", listing.ID, err)
	}

	if err := n.Repo.SetNotified(ctx, listing.ID, n.now()); err != nil {
		return fmt.Errorf("mark notified %s: %w", listing.ID, err)
	}
	_, err = n.Repo.PublishEvent(ctx, domain.EventNotificationSent, map[string]any{
		"listing_id": listing.ID,
		"url":        listing.URL,
		"score":      listing.Score,
	}, domain.AgentNotifier, n.now())
	return err
}
