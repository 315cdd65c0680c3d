package domain

// Mission types, in pipeline order.
const (
	MissionScrape  = "scrape"
	MissionAnalyze = "analyze"
	MissionDecide  = "decide"
	MissionNotify  = "notify"
)

// Mission statuses. Transitions are monotonic along
// pending -> processing -> completed|failed; failed re-enters pending
// only through the retry path.
const (
	MissionPending    = "pending"
	MissionProcessing = "processing"
	MissionCompleted  = "completed"
	MissionFailed     = "failed"
)

// Decision verdicts.
const (
	VerdictApprove = "APPROVE"
	VerdictReject  = "REJECT"
)

// Agent names.
const (
	AgentScout    = "scout"
	AgentAnalyzer = "analyzer"
	AgentDecision = "decision"
	AgentNotifier = "notifier"
)

// Event types emitted along the pipeline.
const (
	EventListingsScraped  = "listings_scraped"
	EventListingAnalyzed  = "listing_analyzed"
	EventListingDecided   = "listing_decided"
	EventNotificationSent = "notification_sent"
)

// Agent run states.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

type Listing struct {
	ID             string  `json:"id"`
	Source         string  `json:"source"`
	ExternalID     string  `json:"external_id,omitempty"`
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	PriceRaw       string  `json:"price_raw,omitempty"`
	PriceEUR       *int    `json:"price_eur,omitempty"`
	Location       string  `json:"location"`
	SurfaceMP      *int    `json:"surface_mp,omitempty"`
	Rooms          *int    `json:"rooms,omitempty"`
	FeaturesRaw    string  `json:"features_raw,omitempty"`
	MetroNearby    bool    `json:"metro_nearby"`
	Score          *int    `json:"score,omitempty"`
	AnalyzedAt     *string `json:"analyzed_at,omitempty" format:"date-time"`
	Decision       *string `json:"decision,omitempty" enum:"APPROVE,REJECT"`
	DecisionReason *string `json:"decision_reason,omitempty"`
	DecidedAt      *string `json:"decided_at,omitempty" format:"date-time"`
	NotifiedAt     *string `json:"notified_at,omitempty" format:"date-time"`
	ScrapedAt      string  `json:"scraped_at" format:"date-time"`
	RawJSON        string  `json:"raw_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Mission struct {
	ID          string  `json:"id"`
	Type        string  `json:"type" enum:"scrape,analyze,decide,notify"`
	Status      string  `json:"status" enum:"pending,processing,completed,failed"`
	PayloadJSON string  `json:"payload_json"`
	Error       *string `json:"error,omitempty"`
	Retries     int     `json:"retries"`
	NextRetryAt string  `json:"next_retry_at" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	PayloadJSON string  `json:"payload_json"`
	SourceAgent string  `json:"source_agent"`
	Processed   bool    `json:"processed"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ProcessedAt *string `json:"processed_at,omitempty" format:"date-time"`
}

// AgentState is an append-only observability record; it never drives
// coordination decisions.
type AgentState struct {
	ID          int64  `json:"id"`
	AgentName   string `json:"agent_name"`
	State       string `json:"state" enum:"idle,running,completed,failed"`
	DetailsJSON string `json:"details_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
