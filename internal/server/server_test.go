package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"casahunt/internal/config"
	"casahunt/internal/db"
	"casahunt/internal/domain"
	"casahunt/internal/migrate"
	"casahunt/internal/notify"
	"casahunt/internal/orchestrator"
	"casahunt/internal/repo"
	"casahunt/internal/scrape"
)

const testSecret = "test-secret"

func intPtr(v int) *int { return &v }

func newTestServer(t *testing.T) (string, repo.Repo, *http.Client) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	o := orchestrator.New(r, config.Default(), map[string]scrape.Source{},
		notify.SenderFunc(func(ctx context.Context, chatID, message string) error { return nil }), nil)

	handler, err := New(Config{
		Orchestrator: o,
		Repo:         r,
		BasePath:     "/v0",
		Auth:         AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String(), r, &http.Client{}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func get(t *testing.T, client *http.Client, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	url, _, client := newTestServer(t)
	res, data := get(t, client, url+"/v0/health", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestEndpointsRequireBearerToken(t *testing.T) {
	url, _, client := newTestServer(t)
	for _, path := range []string{"/v0/status", "/v0/listings", "/v0/missions", "/v0/events"} {
		res, _ := get(t, client, url+path, "")
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s without token: status %d", path, res.StatusCode)
		}
		res, _ = get(t, client, url+path, "garbage")
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status %d", path, res.StatusCode)
		}
	}
}

func TestListListingsFiltered(t *testing.T) {
	url, r, client := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, _, err := r.UpsertListing(ctx, domain.Listing{
		Source:   "imobiliare.ro",
		URL:      "https://imobiliare.ro/a",
		Title:    "Casa A",
		PriceEUR: intPtr(150000),
		Location: "Sector 3, Bucuresti",
	}, now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.SetDecision(ctx, a.ID, domain.VerdictApprove, "ok", now); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, _, err := r.UpsertListing(ctx, domain.Listing{
		Source:   "storia.ro",
		URL:      "https://storia.ro/b",
		Title:    "Casa B",
		PriceEUR: intPtr(180000),
		Location: "Voluntari, Ilfov",
	}, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	token := signToken(t, "tester")
	res, data := get(t, client, url+"/v0/listings?decision=APPROVE", token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var body struct {
		Listings []domain.Listing `json:"listings"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, data)
	}
	if len(body.Listings) != 1 || body.Listings[0].ID != a.ID {
		t.Fatalf("listings = %+v", body.Listings)
	}

	res, data = get(t, client, url+"/v0/listings/"+a.ID, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get listing status %d: %s", res.StatusCode, data)
	}

	res, _ = get(t, client, url+"/v0/listings/missing", token)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing listing status %d", res.StatusCode)
	}
}

func TestStatusAndEvents(t *testing.T) {
	url, r, client := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := r.EnqueueMission(ctx, domain.MissionAnalyze, map[string]string{"listing_id": "l1"}, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := r.PublishEvent(ctx, domain.EventListingsScraped, map[string]any{"new": 1}, domain.AgentScout, now); err != nil {
		t.Fatalf("publish: %v", err)
	}

	token := signToken(t, "tester")
	res, data := get(t, client, url+"/v0/status", token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var status orchestrator.Status
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, data)
	}
	if status.Queue[domain.MissionAnalyze][domain.MissionPending] != 1 {
		t.Fatalf("queue = %+v", status.Queue)
	}

	res, data = get(t, client, url+"/v0/events?type="+domain.EventListingsScraped, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var events struct {
		Events []domain.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(events.Events) != 1 {
		t.Fatalf("events = %+v", events.Events)
	}
}
