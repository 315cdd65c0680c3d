package orchestrator

import (
	"context"
	"testing"
	"time"

	"casahunt/internal/config"
	"casahunt/internal/db"
	"casahunt/internal/domain"
	"casahunt/internal/migrate"
	"casahunt/internal/notify"
	"casahunt/internal/repo"
	"casahunt/internal/scrape"
)

func intPtr(v int) *int { return &v }

func newTestOrchestrator(t *testing.T, records []scrape.Record, sender notify.Sender) *Orchestrator {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Scrape.Sources = []config.SourceConfig{{Name: "imobiliare.ro"}}
	source := scrape.SourceFunc{
		SourceName: "imobiliare.ro",
		FetchFunc: func(ctx context.Context, p scrape.Params) ([]scrape.Record, error) {
			return records, nil
		},
	}
	if sender == nil {
		sender = notify.SenderFunc(func(ctx context.Context, chatID, message string) error {
			return nil
		})
	}
	return New(repo.Repo{DB: conn}, cfg, map[string]scrape.Source{"imobiliare.ro": source}, sender, nil)
}

func houseRecord() scrape.Record {
	return scrape.Record{
		Source:      "imobiliare.ro",
		ExternalID:  "h-1",
		URL:         "https://imobiliare.ro/casa-sector-3",
		Title:       "Casa cu curte, 4 camere",
		PriceEUR:    intPtr(150000),
		Location:    "Sector 3, Bucuresti",
		SurfaceMP:   intPtr(70),
		FeaturesRaw: "curte proprie",
		MetroNearby: true,
	}
}

func TestRunOncePipeline(t *testing.T) {
	var sent int
	sender := notify.SenderFunc(func(ctx context.Context, chatID, message string) error {
		sent++
		return nil
	})
	o := newTestOrchestrator(t, []scrape.Record{houseRecord()}, sender)
	ctx := context.Background()

	summaries, err := o.RunOnce(ctx, nil)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(summaries) != 4 {
		t.Fatalf("expected 4 agent summaries, got %d", len(summaries))
	}
	order := []string{domain.AgentScout, domain.AgentAnalyzer, domain.AgentDecision, domain.AgentNotifier}
	for i, want := range order {
		if summaries[i].Agent != want {
			t.Fatalf("summary %d = %s, want %s", i, summaries[i].Agent, want)
		}
		if summaries[i].Completed != 1 {
			t.Fatalf("%s completed %d missions", want, summaries[i].Completed)
		}
	}
	if sent != 1 {
		t.Fatalf("sent = %d alerts", sent)
	}

	status, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Listings.Total != 1 || status.Listings.Approved != 1 || status.Listings.Notified != 1 {
		t.Fatalf("listing counts = %+v", status.Listings)
	}
	if status.Agents[domain.AgentNotifier].State != domain.StateCompleted {
		t.Fatalf("notifier state = %s", status.Agents[domain.AgentNotifier].State)
	}
	if status.Exhausted != 0 {
		t.Fatalf("exhausted = %d", status.Exhausted)
	}

	// A second full pass sees no new listings and sends nothing.
	if _, err := o.RunOnce(ctx, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sent != 1 {
		t.Fatalf("re-run sent duplicate alerts, sent=%d", sent)
	}
}

func TestRunOnceAgentSelector(t *testing.T) {
	o := newTestOrchestrator(t, []scrape.Record{houseRecord()}, nil)
	ctx := context.Background()

	summaries, err := o.RunOnce(ctx, []string{"analyzer", "scout"})
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	// Selector order does not matter; pipeline order does.
	if len(summaries) != 2 || summaries[0].Agent != domain.AgentScout || summaries[1].Agent != domain.AgentAnalyzer {
		t.Fatalf("summaries = %+v", summaries)
	}

	if _, err := o.RunOnce(ctx, []string{"plumber"}); err == nil {
		t.Fatal("unknown agent must be rejected")
	}
}

func TestReapRoutesStaleMissions(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	if _, err := o.Repo.EnqueueMission(ctx, domain.MissionAnalyze, map[string]string{"listing_id": "l1"}, start); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := o.Repo.ClaimMissions(ctx, domain.MissionAnalyze, 1, start); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Freeze the orchestrator clock past the staleness window.
	o.Now = func() time.Time { return start.Add(time.Hour) }
	n, err := o.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
}

// Heal covers the crash window between a store mutation and its
// follow-up enqueue: listings stranded mid-pipeline get their missions
// re-created, and drained stages stay untouched once queues have work.
func TestHealRequeuesStrandedListings(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// Scraped but never given an analyze mission.
	_, _, err := o.Repo.UpsertListing(ctx, domain.Listing{
		Source: "imobiliare.ro", URL: "https://imobiliare.ro/unscored",
		Title: "Casa noua", Location: "Sector 4, Bucuresti",
	}, now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Scored above threshold but never given a decide mission.
	undecided, _, err := o.Repo.UpsertListing(ctx, domain.Listing{
		Source: "imobiliare.ro", URL: "https://imobiliare.ro/undecided",
		Title: "Casa cu curte", Location: "Sector 3, Bucuresti", PriceEUR: intPtr(150000),
	}, now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := o.Repo.SetScore(ctx, undecided.ID, 80, now); err != nil {
		t.Fatalf("set score: %v", err)
	}

	// Approved but never given a notify mission.
	approved, _, err := o.Repo.UpsertListing(ctx, domain.Listing{
		Source: "imobiliare.ro", URL: "https://imobiliare.ro/approved",
		Title: "Vila", Location: "Voluntari, Ilfov", PriceEUR: intPtr(180000),
	}, now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := o.Repo.SetScore(ctx, approved.ID, 90, now); err != nil {
		t.Fatalf("set score: %v", err)
	}
	if err := o.Repo.SetDecision(ctx, approved.ID, domain.VerdictApprove, "ok", now); err != nil {
		t.Fatalf("set decision: %v", err)
	}

	// The unscored listing also matches ListUnscored; the approved one
	// is both decided and scored, so only notify applies to it.
	n, err := o.Heal(ctx)
	if err != nil {
		t.Fatalf("heal: %v", err)
	}
	if n != 3 {
		t.Fatalf("healed %d missions, want 3", n)
	}

	depth, err := o.Repo.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth[domain.MissionAnalyze][domain.MissionPending] != 1 {
		t.Fatalf("analyze queue = %+v", depth[domain.MissionAnalyze])
	}
	if depth[domain.MissionDecide][domain.MissionPending] != 1 {
		t.Fatalf("decide queue = %+v", depth[domain.MissionDecide])
	}
	if depth[domain.MissionNotify][domain.MissionPending] != 1 {
		t.Fatalf("notify queue = %+v", depth[domain.MissionNotify])
	}

	// With missions pending, a second sweep must not double them.
	n, err = o.Heal(ctx)
	if err != nil {
		t.Fatalf("second heal: %v", err)
	}
	if n != 0 {
		t.Fatalf("second heal enqueued %d missions, want 0", n)
	}
}

func TestRunDaemonStopsOnCancel(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- o.RunDaemon(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("daemon returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancel")
	}
}
