package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"casahunt/internal/domain"
)

const eventColumns = `id,type,payload_json,source_agent,processed,created_at,processed_at`

func scanEvent(row listingScanner) (domain.Event, error) {
	var e domain.Event
	var processed int
	var processedAt sql.NullString
	err := row.Scan(&e.ID, &e.Type, &e.PayloadJSON, &e.SourceAgent, &processed, &e.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Processed = processed != 0
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.String
	}
	return e, nil
}

// PublishEvent appends an unprocessed event. It never waits on consumers.
func (r Repo) PublishEvent(ctx context.Context, eventType string, payload any, sourceAgent string, now time.Time) (domain.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	e := domain.Event{
		Type:        eventType,
		PayloadJSON: string(data),
		SourceAgent: sourceAgent,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(type,payload_json,source_agent,processed,created_at) VALUES (?,?,?,0,?)`,
		e.Type, e.PayloadJSON, e.SourceAgent, e.CreatedAt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("publish event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return e, nil
}

// PollEvents returns unprocessed events oldest first, optionally filtered by
// type. It does not mark them processed; a consumer inspects first and
// commits with MarkEventsProcessed.
func (r Repo) PollEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE processed=0`
	var args []any
	if eventType != "" {
		query += " AND type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkEventsProcessed flips the processed flag for the given ids. Already
// processed ids are left as they were, so re-marking is a no-op.
func (r Repo) MarkEventsProcessed(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{now.UTC().Format(time.RFC3339)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE events SET processed=1, processed_at=? WHERE processed=0 AND id IN (`+placeholders+`)`, args...)
	return err
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, eventType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if eventType != "" {
		query += " AND type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
