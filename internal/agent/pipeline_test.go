package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"casahunt/internal/backoff"
	"casahunt/internal/db"
	"casahunt/internal/domain"
	"casahunt/internal/migrate"
	"casahunt/internal/notify"
	"casahunt/internal/repo"
	"casahunt/internal/scrape"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func houseRecord() scrape.Record {
	return scrape.Record{
		Source:      "imobiliare.ro",
		ExternalID:  "h-1",
		URL:         "https://imobiliare.ro/casa-sector-3",
		Title:       "Casa cu curte, 4 camere",
		PriceRaw:    "150.000 EUR",
		PriceEUR:    intPtr(150000),
		Location:    "Sector 3, Bucuresti",
		SurfaceMP:   intPtr(70),
		Rooms:       intPtr(4),
		FeaturesRaw: "curte proprie",
		MetroNearby: true,
	}
}

// The happy path plus a flaky notifier: the alert send fails twice,
// retries on the backoff schedule, then lands exactly once.
func TestPipelineDeliversExactlyOneAlert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	policy := backoff.Policy{MaxRetries: 3, BaseDelay: 30 * time.Second, MaxDelay: time.Hour}
	runner := Runner{Repo: r, Policy: policy, BatchSize: 10, Now: clk.Now}

	source := scrape.SourceFunc{
		SourceName: "imobiliare.ro",
		FetchFunc: func(ctx context.Context, p scrape.Params) ([]scrape.Record, error) {
			return []scrape.Record{houseRecord()}, nil
		},
	}

	var sendAttempts, delivered int
	sender := notify.SenderFunc(func(ctx context.Context, chatID, message string) error {
		sendAttempts++
		if sendAttempts <= 2 {
			return notify.DeliveryError{Target: chatID, Err: fmt.Errorf("status 502")}
		}
		delivered++
		return nil
	})

	if _, err := SeedScrapeMissions(ctx, r, []string{"imobiliare.ro"}, scrape.Params{MaxPrice: 200000}, clk.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	scout := Scout{Repo: r, Sources: map[string]scrape.Source{"imobiliare.ro": source}, Now: clk.Now}
	if sum, err := runner.Run(ctx, scout); err != nil || sum.Completed != 1 {
		t.Fatalf("scout run: %v, %+v", err, sum)
	}

	analyzer := Analyzer{Repo: r, ApprovalThreshold: 70, Now: clk.Now}
	if sum, err := runner.Run(ctx, analyzer); err != nil || sum.Completed != 1 {
		t.Fatalf("analyzer run: %v, %+v", err, sum)
	}

	decision := Decision{Repo: r, Criteria: DefaultCriteria(), Now: clk.Now}
	if sum, err := runner.Run(ctx, decision); err != nil || sum.Completed != 1 {
		t.Fatalf("decision run: %v, %+v", err, sum)
	}

	notifier := Notifier{Repo: r, Sender: sender, ChatID: "chat-1", Now: clk.Now}

	// First two attempts fail and reschedule.
	for attempt := 0; attempt < 2; attempt++ {
		sum, err := runner.Run(ctx, notifier)
		if err != nil {
			t.Fatalf("notifier run %d: %v", attempt, err)
		}
		if sum.Claimed != 1 || sum.Failed != 1 {
			t.Fatalf("notifier run %d: %+v", attempt, sum)
		}
		clk.Advance(2 * time.Minute)
	}

	sum, err := runner.Run(ctx, notifier)
	if err != nil {
		t.Fatalf("final notifier run: %v", err)
	}
	if sum.Completed != 1 {
		t.Fatalf("final notifier run: %+v", sum)
	}
	if delivered != 1 || sendAttempts != 3 {
		t.Fatalf("delivered=%d attempts=%d", delivered, sendAttempts)
	}

	listing, err := r.GetListingByURL(ctx, "https://imobiliare.ro/casa-sector-3")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if listing.Score == nil || *listing.Score != 70 {
		t.Fatalf("score = %v", listing.Score)
	}
	if listing.Decision == nil || *listing.Decision != domain.VerdictApprove {
		t.Fatalf("decision = %v", listing.Decision)
	}
	if listing.NotifiedAt == nil {
		t.Fatal("listing not marked notified")
	}

	missions, err := r.ListMissions(ctx, repo.MissionFilters{Type: domain.MissionNotify})
	if err != nil || len(missions) != 1 {
		t.Fatalf("list notify missions: %v (%d)", err, len(missions))
	}
	if missions[0].Status != domain.MissionCompleted || missions[0].Retries != 2 {
		t.Fatalf("notify mission: %s retries=%d", missions[0].Status, missions[0].Retries)
	}

	// A second notify mission for the same listing completes without
	// sending again.
	if _, err := r.EnqueueMission(ctx, domain.MissionNotify, ListingPayload{ListingID: listing.ID}, clk.Now()); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if sum, err := runner.Run(ctx, notifier); err != nil || sum.Completed != 1 {
		t.Fatalf("duplicate notify run: %v, %+v", err, sum)
	}
	if delivered != 1 {
		t.Fatalf("duplicate notify sent an alert, delivered=%d", delivered)
	}
}

func TestScoutSkipsInvalidRecords(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	clk := &clock{now: time.Now().UTC()}
	runner := Runner{Repo: r, Policy: backoff.Default(), BatchSize: 10, Now: clk.Now}

	bad := houseRecord()
	bad.URL = "https://example.com/casa"
	source := scrape.SourceFunc{
		SourceName: "imobiliare.ro",
		FetchFunc: func(ctx context.Context, p scrape.Params) ([]scrape.Record, error) {
			return []scrape.Record{houseRecord(), bad}, nil
		},
	}

	if _, err := SeedScrapeMissions(ctx, r, []string{"imobiliare.ro"}, scrape.Params{}, clk.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	scout := Scout{Repo: r, Sources: map[string]scrape.Source{"imobiliare.ro": source}, Now: clk.Now}
	if sum, err := runner.Run(ctx, scout); err != nil || sum.Completed != 1 {
		t.Fatalf("scout run: %v, %+v", err, sum)
	}

	counts, err := r.CountListings(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Total != 1 {
		t.Fatalf("expected invalid record skipped, total=%d", counts.Total)
	}
}

func TestAnalyzerMissingListingIsPermanent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	clk := &clock{now: time.Now().UTC()}
	runner := Runner{Repo: r, Policy: backoff.Default(), BatchSize: 10, Now: clk.Now}

	if _, err := r.EnqueueMission(ctx, domain.MissionAnalyze, ListingPayload{ListingID: "ghost"}, clk.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	analyzer := Analyzer{Repo: r, ApprovalThreshold: 70, Now: clk.Now}
	sum, err := runner.Run(ctx, analyzer)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected failure, got %+v", sum)
	}

	missions, err := r.ListMissions(ctx, repo.MissionFilters{Type: domain.MissionAnalyze})
	if err != nil || len(missions) != 1 {
		t.Fatalf("list: %v (%d)", err, len(missions))
	}
	if missions[0].Status != domain.MissionFailed {
		t.Fatalf("missing listing must fail permanently, got %s", missions[0].Status)
	}
	if missions[0].Retries != 0 {
		t.Fatalf("permanent failure must not burn retries, got %d", missions[0].Retries)
	}
}

// A pass with any failed mission must finish in state failed, so status
// output flags it for an operator.
func TestRunnerRecordsFailedState(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	clk := &clock{now: time.Now().UTC()}
	runner := Runner{Repo: r, Policy: backoff.Default(), BatchSize: 10, Now: clk.Now}

	if _, err := r.EnqueueMission(ctx, domain.MissionAnalyze, ListingPayload{ListingID: "ghost"}, clk.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	analyzer := Analyzer{Repo: r, ApprovalThreshold: 70, Now: clk.Now}
	sum, err := runner.Run(ctx, analyzer)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Claimed != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	states, err := r.LatestAgentStates(ctx)
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	got, ok := states[analyzer.Name()]
	if !ok {
		t.Fatalf("no state recorded for %s", analyzer.Name())
	}
	if got.State != domain.StateFailed {
		t.Fatalf("final state = %q, want %q", got.State, domain.StateFailed)
	}

	// A clean follow-up pass flips it back to completed.
	if _, err := runner.Run(ctx, analyzer); err != nil {
		t.Fatalf("second run: %v", err)
	}
	states, err = r.LatestAgentStates(ctx)
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if got := states[analyzer.Name()]; got.State != domain.StateCompleted {
		t.Fatalf("clean pass state = %q, want %q", got.State, domain.StateCompleted)
	}
}

func TestLowScoreStopsAtAnalyzer(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	clk := &clock{now: time.Now().UTC()}
	runner := Runner{Repo: r, Policy: backoff.Default(), BatchSize: 10, Now: clk.Now}

	weak := houseRecord()
	weak.URL = "https://imobiliare.ro/casa-scumpa"
	weak.PriceEUR = intPtr(400000)
	weak.Location = "Constanta"
	weak.MetroNearby = false
	weak.Title = "Casa izolata"

	l, _, err := r.UpsertListing(ctx, domain.Listing{
		Source:    weak.Source,
		URL:       weak.URL,
		Title:     weak.Title,
		PriceEUR:  weak.PriceEUR,
		Location:  weak.Location,
		SurfaceMP: weak.SurfaceMP,
		ScrapedAt: clk.Now().Format(time.RFC3339),
	}, clk.Now())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := r.EnqueueMission(ctx, domain.MissionAnalyze, ListingPayload{ListingID: l.ID}, clk.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	analyzer := Analyzer{Repo: r, ApprovalThreshold: 70, Now: clk.Now}
	if sum, err := runner.Run(ctx, analyzer); err != nil || sum.Completed != 1 {
		t.Fatalf("run: %v, %+v", err, sum)
	}

	depth, err := r.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(depth[domain.MissionDecide]) != 0 {
		t.Fatalf("low scorer must not reach the decision stage: %+v", depth)
	}
}
