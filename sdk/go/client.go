package casahuntsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Casa Hunt HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Listing represents the API listing model (partial).
type Listing struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	PriceEUR   *int    `json:"price_eur,omitempty"`
	Location   string  `json:"location"`
	Score      *int    `json:"score,omitempty"`
	Decision   *string `json:"decision,omitempty"`
	NotifiedAt *string `json:"notified_at,omitempty"`
}

// Mission represents a queued unit of work.
type Mission struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Error       *string `json:"error,omitempty"`
	Retries     int     `json:"retries"`
	NextRetryAt string  `json:"next_retry_at"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	PayloadJSON string `json:"payload_json"`
	SourceAgent string `json:"source_agent"`
	CreatedAt   string `json:"created_at"`
}

// Status is the swarm status snapshot.
type Status struct {
	Queue     map[string]map[string]int `json:"queue"`
	Exhausted int                       `json:"exhausted_missions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks the API is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil)
}

// Status returns the swarm status snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", &resp)
	return resp, err
}

// Listings returns listings, optionally filtered by decision and score.
func (c *Client) Listings(ctx context.Context, decision string, minScore, limit int) ([]Listing, error) {
	q := url.Values{}
	if decision != "" {
		q.Set("decision", decision)
	}
	if minScore > 0 {
		q.Set("min_score", strconv.Itoa(minScore))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Listings []Listing `json:"listings"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/listings", q), &resp)
	return resp.Listings, err
}

// Listing fetches one listing by id.
func (c *Client) Listing(ctx context.Context, id string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodGet, "v0/listings/"+url.PathEscape(id), &resp)
	return resp, err
}

// Missions returns missions, optionally filtered by type and status.
func (c *Client) Missions(ctx context.Context, missionType, status string, limit int) ([]Mission, error) {
	q := url.Values{}
	if missionType != "" {
		q.Set("type", missionType)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Missions []Mission `json:"missions"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/missions", q), &resp)
	return resp.Missions, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, eventType string, limit int) ([]Event, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), &resp)
	return resp.Events, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
