package orchestrator

import (
	"context"

	"casahunt/internal/domain"
	"casahunt/internal/repo"
)

// Status is a point-in-time snapshot of the swarm: last known state per
// agent, queue depth per mission type, and listing tallies.
type Status struct {
	Agents    map[string]domain.AgentState `json:"agents"`
	Queue     map[string]map[string]int    `json:"queue"`
	Exhausted int                          `json:"exhausted_missions"`
	Listings  repo.ListingCounts           `json:"listings"`
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var s Status
	agents, err := o.Repo.LatestAgentStates(ctx)
	if err != nil {
		return s, err
	}
	depth, err := o.Repo.QueueDepth(ctx)
	if err != nil {
		return s, err
	}
	counts, err := o.Repo.CountListings(ctx)
	if err != nil {
		return s, err
	}
	s.Agents = agents
	s.Queue = depth
	s.Listings = counts
	for _, byStatus := range depth {
		s.Exhausted += byStatus[domain.MissionFailed]
	}
	return s, nil
}
