// Package agent holds the four pipeline agents and the runner harness
// that drives them against the mission queue.
package agent

import (
	"context"
	"log"
	"time"

	"casahunt/internal/backoff"
	"casahunt/internal/domain"
	"casahunt/internal/repo"
)

// Handler is a single agent: it declares the mission type it consumes
// and processes one claimed mission at a time.
type Handler interface {
	Name() string
	MissionType() string
	Handle(ctx context.Context, m domain.Mission) error
}

// Summary reports one runner pass.
type Summary struct {
	Agent     string `json:"agent"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Runner claims a batch for a handler and settles each mission. A
// handler error never aborts the batch; it fails that one mission and
// moves on.
type Runner struct {
	Repo      repo.Repo
	Policy    backoff.Policy
	BatchSize int
	Logger    *log.Logger
	Now       func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

// Run executes one pass: claim up to BatchSize missions of the
// handler's type, process each, and record the agent's run state.
func (r Runner) Run(ctx context.Context, h Handler) (Summary, error) {
	sum := Summary{Agent: h.Name()}
	batch := r.BatchSize
	if batch <= 0 {
		batch = 10
	}

	if err := r.Repo.RecordAgentState(ctx, h.Name(), domain.StateRunning, nil, r.now()); err != nil {
		return sum, err
	}

	missions, err := r.Repo.ClaimMissions(ctx, h.MissionType(), batch, r.now())
	if err != nil {
		r.recordFinal(ctx, h.Name(), domain.StateFailed, map[string]any{"error": err.Error()})
		return sum, err
	}
	sum.Claimed = len(missions)

	for _, m := range missions {
		if err := ctx.Err(); err != nil {
			// Leave the rest of the batch in processing; the
			// reaper reclaims them after the staleness window.
			r.recordFinal(ctx, h.Name(), domain.StateFailed, map[string]any{"error": err.Error()})
			return sum, err
		}
		if err := h.Handle(ctx, m); err != nil {
			sum.Failed++
			r.settleFailure(ctx, h, m, err)
			continue
		}
		if err := r.Repo.CompleteMission(ctx, m.ID, r.now()); err != nil {
			r.logf("%s: complete mission %s: %v", h.Name(), m.ID, err)
			sum.Failed++
			continue
		}
		sum.Completed++
	}

	state := domain.StateCompleted
	if sum.Failed > 0 {
		state = domain.StateFailed
	}
	r.recordFinal(ctx, h.Name(), state, map[string]any{
		"claimed":   sum.Claimed,
		"completed": sum.Completed,
		"failed":    sum.Failed,
	})
	return sum, nil
}

func (r Runner) settleFailure(ctx context.Context, h Handler, m domain.Mission, cause error) {
	r.logf("%s: mission %s: %v", h.Name(), m.ID, cause)
	if IsPermanent(cause) {
		if err := r.Repo.FailMissionPermanently(ctx, m.ID, cause.Error(), r.now()); err != nil {
			r.logf("%s: fail mission %s: %v", h.Name(), m.ID, err)
		}
		return
	}
	if _, err := r.Repo.FailMission(ctx, m.ID, cause.Error(), r.Policy, r.now()); err != nil {
		r.logf("%s: fail mission %s: %v", h.Name(), m.ID, err)
	}
}

func (r Runner) recordFinal(ctx context.Context, name, state string, details map[string]any) {
	if err := r.Repo.RecordAgentState(ctx, name, state, details, r.now()); err != nil {
		r.logf("%s: record state: %v", name, err)
	}
}

// ListingPayload is the payload shared by analyze, decide and notify
// missions.
type ListingPayload struct {
	ListingID string `json:"listing_id"`
	Score     int    `json:"score,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
