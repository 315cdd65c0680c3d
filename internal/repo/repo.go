package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"casahunt/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const listingColumns = `id,source,external_id,url,title,price_raw,price_eur,location,surface_mp,rooms,features_raw,metro_nearby,score,analyzed_at,decision,decision_reason,decided_at,notified_at,scraped_at,raw_json,created_at`

type listingScanner interface {
	Scan(dest ...any) error
}

func scanListing(row listingScanner) (domain.Listing, error) {
	var l domain.Listing
	var externalID, priceRaw, featuresRaw, analyzedAt, decision, decisionReason, decidedAt, notifiedAt, rawJSON sql.NullString
	var priceEUR, surfaceMP, rooms, score sql.NullInt64
	var metroNearby int
	err := row.Scan(&l.ID, &l.Source, &externalID, &l.URL, &l.Title, &priceRaw, &priceEUR, &l.Location,
		&surfaceMP, &rooms, &featuresRaw, &metroNearby, &score, &analyzedAt, &decision, &decisionReason,
		&decidedAt, &notifiedAt, &l.ScrapedAt, &rawJSON, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ExternalID = externalID.String
	l.PriceRaw = priceRaw.String
	l.FeaturesRaw = featuresRaw.String
	l.RawJSON = rawJSON.String
	l.MetroNearby = metroNearby != 0
	if priceEUR.Valid {
		v := int(priceEUR.Int64)
		l.PriceEUR = &v
	}
	if surfaceMP.Valid {
		v := int(surfaceMP.Int64)
		l.SurfaceMP = &v
	}
	if rooms.Valid {
		v := int(rooms.Int64)
		l.Rooms = &v
	}
	if score.Valid {
		v := int(score.Int64)
		l.Score = &v
	}
	if analyzedAt.Valid {
		l.AnalyzedAt = &analyzedAt.String
	}
	if decision.Valid {
		l.Decision = &decision.String
	}
	if decisionReason.Valid {
		l.DecisionReason = &decisionReason.String
	}
	if decidedAt.Valid {
		l.DecidedAt = &decidedAt.String
	}
	if notifiedAt.Valid {
		l.NotifiedAt = &notifiedAt.String
	}
	return l, nil
}

// UpsertListing inserts a listing or, when the URL already exists, refreshes
// only price_raw, price_eur, raw_json and scraped_at. Analyzer, decision and
// notification fields are never touched by a re-scrape. The returned bool
// reports whether the row was newly created; only new rows should trigger a
// follow-up analyze mission.
func (r Repo) UpsertListing(ctx context.Context, l domain.Listing, now time.Time) (domain.Listing, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, false, err
	}
	defer tx.Rollback()

	ts := now.UTC().Format(time.RFC3339)
	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM listings WHERE url=?`, l.URL).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.ScrapedAt == "" {
			l.ScrapedAt = ts
		}
		l.CreatedAt = ts
		_, err = tx.ExecContext(ctx, `INSERT INTO listings(`+listingColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			l.ID, l.Source, nullable(l.ExternalID), l.URL, l.Title, nullable(l.PriceRaw), nullableIntPtr(l.PriceEUR),
			l.Location, nullableIntPtr(l.SurfaceMP), nullableIntPtr(l.Rooms), nullable(l.FeaturesRaw), boolToInt(l.MetroNearby),
			nil, nil, nil, nil, nil, nil, l.ScrapedAt, nullable(l.RawJSON), l.CreatedAt)
		if err != nil {
			return domain.Listing{}, false, fmt.Errorf("insert listing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.Listing{}, false, err
		}
		return l, true, nil
	case err != nil:
		return domain.Listing{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE listings SET price_raw=?, price_eur=?, raw_json=?, scraped_at=? WHERE id=?`,
		nullable(l.PriceRaw), nullableIntPtr(l.PriceEUR), nullable(l.RawJSON), ts, existingID); err != nil {
		return domain.Listing{}, false, fmt.Errorf("refresh listing: %w", err)
	}
	refreshed, err := scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, existingID))
	if err != nil {
		return domain.Listing{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, false, err
	}
	return refreshed, false, nil
}

func (r Repo) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return scanListing(r.DB.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id))
}

func (r Repo) GetListingByURL(ctx context.Context, url string) (domain.Listing, error) {
	return scanListing(r.DB.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE url=?`, url))
}

// SetScore is idempotent: re-applying a score keeps the first analyzed_at
// stamp and is not an error.
func (r Repo) SetScore(ctx context.Context, id string, score int, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE listings SET score=?, analyzed_at=COALESCE(analyzed_at,?) WHERE id=?`,
		score, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetDecision(ctx context.Context, id, verdict, reason string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE listings SET decision=?, decision_reason=?, decided_at=COALESCE(decided_at,?) WHERE id=?`,
		verdict, reason, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNotified keeps the first notification stamp so repeated delivery
// attempts leave exactly one recorded time.
func (r Repo) SetNotified(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE listings SET notified_at=COALESCE(notified_at,?) WHERE id=?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByScoreThreshold returns listings at or above the score threshold,
// optionally only those not yet decided.
func (r Repo) ListByScoreThreshold(ctx context.Context, minScore int, undecidedOnly bool) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE score>=?`
	if undecidedOnly {
		query += ` AND decision IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return r.queryListings(ctx, query, minScore)
}

// ListByDecision returns listings with the given verdict, optionally only
// those not yet notified.
func (r Repo) ListByDecision(ctx context.Context, verdict string, unnotifiedOnly bool) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE decision=?`
	if unnotifiedOnly {
		query += ` AND notified_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return r.queryListings(ctx, query, verdict)
}

// ListUnscored returns listings without a score, the straggler path for the
// analyzer when no missions are queued.
func (r Repo) ListUnscored(ctx context.Context) ([]domain.Listing, error) {
	return r.queryListings(ctx, `SELECT `+listingColumns+` FROM listings WHERE score IS NULL ORDER BY created_at ASC, id ASC`)
}

// ListingCounts is the per-stage tally for status reporting.
type ListingCounts struct {
	Total    int `json:"total"`
	Scored   int `json:"scored"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Notified int `json:"notified"`
}

func (r Repo) CountListings(ctx context.Context) (ListingCounts, error) {
	var c ListingCounts
	err := r.DB.QueryRowContext(ctx, `
SELECT COUNT(*),
       COUNT(score),
       COUNT(CASE WHEN decision='APPROVE' THEN 1 END),
       COUNT(CASE WHEN decision='REJECT' THEN 1 END),
       COUNT(notified_at)
FROM listings`).Scan(&c.Total, &c.Scored, &c.Approved, &c.Rejected, &c.Notified)
	return c, err
}

type ListingFilters struct {
	Decision string
	MinScore int
	Notified *bool
	Limit    int
}

func (r Repo) ListListings(ctx context.Context, f ListingFilters) ([]domain.Listing, error) {
	var clauses []string
	var args []any
	if f.Decision != "" {
		clauses = append(clauses, "decision=?")
		args = append(args, f.Decision)
	}
	if f.MinScore > 0 {
		clauses = append(clauses, "score>=?")
		args = append(args, f.MinScore)
	}
	if f.Notified != nil {
		if *f.Notified {
			clauses = append(clauses, "notified_at IS NOT NULL")
		} else {
			clauses = append(clauses, "notified_at IS NULL")
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + listingColumns + ` FROM listings ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryListings(ctx, query, args...)
}

func (r Repo) queryListings(ctx context.Context, query string, args ...any) ([]domain.Listing, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
