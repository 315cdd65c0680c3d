// Package orchestrator sequences the agents: one-shot pipeline passes,
// the long-running daemon, and the status snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"casahunt/internal/agent"
	"casahunt/internal/config"
	"casahunt/internal/domain"
	"casahunt/internal/notify"
	"casahunt/internal/repo"
	"casahunt/internal/scrape"
)

// pipelineOrder is the order agents run in a one-shot pass, upstream
// stages first so their output is consumed in the same pass.
var pipelineOrder = []string{
	domain.AgentScout,
	domain.AgentAnalyzer,
	domain.AgentDecision,
	domain.AgentNotifier,
}

type Orchestrator struct {
	Repo    repo.Repo
	Config  *config.Config
	Sources map[string]scrape.Source
	Sender  notify.Sender
	Logger  *log.Logger
	Now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(rp repo.Repo, cfg *config.Config, sources map[string]scrape.Source, sender notify.Sender, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		Repo:    rp,
		Config:  cfg,
		Sources: sources,
		Sender:  sender,
		Logger:  logger,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

func (o *Orchestrator) runner() agent.Runner {
	return agent.Runner{
		Repo:      o.Repo,
		Policy:    o.Config.BackoffPolicy(),
		BatchSize: o.Config.Queue.BatchSize,
		Logger:    o.Logger,
		Now:       o.Now,
	}
}

func (o *Orchestrator) handler(name string) (agent.Handler, error) {
	switch name {
	case domain.AgentScout:
		return agent.Scout{
			Repo:        o.Repo,
			Sources:     o.Sources,
			CallTimeout: o.Config.Scrape.CallTimeout.Std(),
			Logger:      o.Logger,
			Now:         o.Now,
		}, nil
	case domain.AgentAnalyzer:
		return agent.Analyzer{
			Repo:              o.Repo,
			ApprovalThreshold: o.Config.Hunt.ApprovalThreshold,
			Now:               o.Now,
		}, nil
	case domain.AgentDecision:
		return agent.Decision{
			Repo:     o.Repo,
			Criteria: o.criteria(),
			Now:      o.Now,
		}, nil
	case domain.AgentNotifier:
		return agent.Notifier{
			Repo:        o.Repo,
			Sender:      o.Sender,
			ChatID:      o.Config.Notify.TelegramChatID,
			CallTimeout: o.Config.Notify.CallTimeout.Std(),
			Now:         o.Now,
		}, nil
	}
	return nil, fmt.Errorf("unknown agent %q", name)
}

func (o *Orchestrator) criteria() agent.Criteria {
	return agent.Criteria{
		MinScore:         o.Config.Hunt.ApprovalThreshold,
		BudgetCeiling:    o.Config.Hunt.BudgetCeiling,
		AllowedLocations: o.Config.Hunt.AllowedLocations,
		AllowedTypes:     o.Config.Hunt.AllowedTypes,
		ExcludedTypes:    o.Config.Hunt.ExcludedTypes,
	}
}

// selectAgents resolves a selector to pipeline order. Empty means all.
func selectAgents(names []string) ([]string, error) {
	if len(names) == 0 {
		return pipelineOrder, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		found := false
		for _, known := range pipelineOrder {
			if n == known {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown agent %q", n)
		}
		wanted[n] = true
	}
	var out []string
	for _, n := range pipelineOrder {
		if wanted[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// SeedScout enqueues one scrape mission per configured source.
func (o *Orchestrator) SeedScout(ctx context.Context) (int, error) {
	return agent.SeedScrapeMissions(ctx, o.Repo, o.Config.SourceNames(), scrape.Params{
		MaxPrice: o.Config.Scrape.MaxPrice,
		MinPrice: o.Config.Scrape.MinPrice,
		Location: o.Config.Scrape.Location,
	}, o.now())
}

// RunOnce runs the selected agents once, in pipeline order. Selecting
// the scout first seeds a scrape mission per source so the pass has
// work to do.
func (o *Orchestrator) RunOnce(ctx context.Context, names []string) ([]agent.Summary, error) {
	selected, err := selectAgents(names)
	if err != nil {
		return nil, err
	}
	var summaries []agent.Summary
	for _, name := range selected {
		if name == domain.AgentScout {
			if _, err := o.SeedScout(ctx); err != nil {
				return summaries, err
			}
		}
		sum, err := o.runAgent(ctx, name)
		summaries = append(summaries, sum)
		if err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

// runAgent runs one agent pass, non-reentrant per agent name.
func (o *Orchestrator) runAgent(ctx context.Context, name string) (agent.Summary, error) {
	h, err := o.handler(name)
	if err != nil {
		return agent.Summary{Agent: name}, err
	}
	o.lockFor(name).Lock()
	defer o.lockFor(name).Unlock()
	return o.runner().Run(ctx, h)
}

func (o *Orchestrator) lockFor(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = make(map[string]*sync.Mutex)
	}
	if _, ok := o.locks[name]; !ok {
		o.locks[name] = &sync.Mutex{}
	}
	return o.locks[name]
}

// Heal re-enqueues missions for listings whose pipeline stage never got
// one, the crash window between a store mutation and the follow-up
// enqueue. A stage is only swept while its queue is drained, so a
// pending mission is never doubled. The handlers treat a duplicate as a
// no-op anyway, so an overlapping sweep is wasteful, not wrong.
func (o *Orchestrator) Heal(ctx context.Context) (int, error) {
	depth, err := o.Repo.QueueDepth(ctx)
	if err != nil {
		return 0, err
	}
	healed := 0

	if queueDrained(depth, domain.MissionAnalyze) {
		unscored, err := o.Repo.ListUnscored(ctx)
		if err != nil {
			return healed, err
		}
		n, err := o.enqueueFor(ctx, domain.MissionAnalyze, unscored)
		healed += n
		if err != nil {
			return healed, err
		}
	}

	if queueDrained(depth, domain.MissionDecide) {
		undecided, err := o.Repo.ListByScoreThreshold(ctx, o.Config.Hunt.ApprovalThreshold, true)
		if err != nil {
			return healed, err
		}
		n, err := o.enqueueFor(ctx, domain.MissionDecide, undecided)
		healed += n
		if err != nil {
			return healed, err
		}
	}

	if queueDrained(depth, domain.MissionNotify) {
		unnotified, err := o.Repo.ListByDecision(ctx, domain.VerdictApprove, true)
		if err != nil {
			return healed, err
		}
		n, err := o.enqueueFor(ctx, domain.MissionNotify, unnotified)
		healed += n
		if err != nil {
			return healed, err
		}
	}
	return healed, nil
}

func (o *Orchestrator) enqueueFor(ctx context.Context, missionType string, listings []domain.Listing) (int, error) {
	for i, l := range listings {
		if _, err := o.Repo.EnqueueMission(ctx, missionType, agent.ListingPayload{ListingID: l.ID}, o.now()); err != nil {
			return i, err
		}
	}
	return len(listings), nil
}

// queueDrained reports whether a mission type has nothing pending or in
// flight. Terminal completed/failed rows do not count.
func queueDrained(depth map[string]map[string]int, missionType string) bool {
	byStatus := depth[missionType]
	return byStatus[domain.MissionPending] == 0 && byStatus[domain.MissionProcessing] == 0
}

// Reap routes missions stuck in processing past the staleness window
// back through the retry path.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	var total int
	for _, missionType := range []string{domain.MissionScrape, domain.MissionAnalyze, domain.MissionDecide, domain.MissionNotify} {
		n, err := o.Repo.ReclaimStaleMissions(ctx, missionType, o.Config.Queue.StaleAfter.Std(), o.Config.BackoffPolicy(), o.now())
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RunDaemon drives the agents on their configured cadences until ctx
// is cancelled. The scout cadence seeds and drains scrape missions,
// the worker cadence drains the downstream stages, the reap cadence
// reclaims stale claims. Cancellation stops scheduling new cycles; the
// in-flight cycle runs on a detached context so its missions settle
// instead of being cut off mid-claim.
func (o *Orchestrator) RunDaemon(ctx context.Context) error {
	var wg sync.WaitGroup
	work := context.WithoutCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.loop(ctx, o.Config.Schedule.ScoutInterval.Std(), func() {
			if _, err := o.SeedScout(work); err != nil {
				o.logf("daemon: seed scout: %v", err)
				return
			}
			if _, err := o.runAgent(work, domain.AgentScout); err != nil {
				o.logf("daemon: scout: %v", err)
			}
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.loop(ctx, o.Config.Schedule.WorkerInterval.Std(), func() {
			for _, name := range []string{domain.AgentScout, domain.AgentAnalyzer, domain.AgentDecision, domain.AgentNotifier} {
				if ctx.Err() != nil {
					return
				}
				if _, err := o.runAgent(work, name); err != nil {
					o.logf("daemon: %s: %v", name, err)
				}
			}
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.loop(ctx, o.Config.Schedule.ReapInterval.Std(), func() {
			n, err := o.Reap(work)
			if err != nil {
				o.logf("daemon: reap: %v", err)
				return
			}
			if n > 0 {
				o.logf("daemon: reclaimed %d stale missions", n)
			}
			healed, err := o.Heal(work)
			if err != nil {
				o.logf("daemon: heal: %v", err)
				return
			}
			if healed > 0 {
				o.logf("daemon: re-enqueued %d stranded listings", healed)
			}
		})
	}()

	wg.Wait()
	return ctx.Err()
}

// loop runs fn immediately, then on every tick, until ctx is done.
func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	fn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
