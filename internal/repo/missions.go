package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"casahunt/internal/backoff"
	"casahunt/internal/domain"
)

const missionColumns = `id,type,status,payload_json,error,retries,next_retry_at,created_at,updated_at,completed_at`

func scanMission(row listingScanner) (domain.Mission, error) {
	var m domain.Mission
	var errMsg, completedAt sql.NullString
	err := row.Scan(&m.ID, &m.Type, &m.Status, &m.PayloadJSON, &errMsg, &m.Retries, &m.NextRetryAt, &m.CreatedAt, &m.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if errMsg.Valid {
		m.Error = &errMsg.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

// EnqueueMission creates a pending mission. No dedup happens here; producers
// check listing state before enqueueing a follow-up.
func (r Repo) EnqueueMission(ctx context.Context, missionType string, payload any, now time.Time) (domain.Mission, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Mission{}, fmt.Errorf("marshal mission payload: %w", err)
	}
	ts := now.UTC().Format(time.RFC3339)
	m := domain.Mission{
		ID:          uuid.New().String(),
		Type:        missionType,
		Status:      domain.MissionPending,
		PayloadJSON: string(data),
		NextRetryAt: ts,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Type, m.Status, m.PayloadJSON, nil, m.Retries, m.NextRetryAt, m.CreatedAt, m.UpdatedAt, nil)
	if err != nil {
		return domain.Mission{}, fmt.Errorf("enqueue mission: %w", err)
	}
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// ClaimMissions atomically selects up to limit pending missions of the given
// type whose next_retry_at has passed, oldest first, and flips them to
// processing. The status-guarded UPDATE inside one transaction means a
// mission goes to exactly one caller even under concurrent claimers.
func (r Repo) ClaimMissions(ctx context.Context, missionType string, limit int, now time.Time) ([]domain.Mission, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts := now.UTC().Format(time.RFC3339)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM missions
WHERE type=? AND status=? AND next_retry_at<=?
ORDER BY created_at ASC, id ASC LIMIT ?`, missionType, domain.MissionPending, ts, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	var claimed []domain.Mission
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=? AND status=?`,
			domain.MissionProcessing, ts, id, domain.MissionPending)
		if err != nil {
			return nil, err
		}
		// Lost the race to another claimer between select and update:
		// not an error, the mission just is not ours.
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		m, err := scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteMission transitions processing -> completed.
func (r Repo) CompleteMission(ctx context.Context, id string, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, updated_at=?, completed_at=? WHERE id=? AND status=?`,
		domain.MissionCompleted, ts, ts, id, domain.MissionProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionError(ctx, id, domain.MissionCompleted)
	}
	return nil
}

// FailMission transitions processing -> failed. Below the retry ceiling the
// mission re-enters pending with an incremented retry count and a
// next_retry_at set by the backoff policy; at the ceiling it stays failed
// permanently and is surfaced by status for manual inspection.
func (r Repo) FailMission(ctx context.Context, id, errMsg string, policy backoff.Policy, now time.Time) (domain.Mission, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionProcessing {
		return domain.Mission{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, domain.MissionFailed)
	}
	ts := now.UTC().Format(time.RFC3339)
	if policy.Exhausted(m.Retries) {
		if _, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, error=?, updated_at=? WHERE id=?`,
			domain.MissionFailed, errMsg, ts, id); err != nil {
			return domain.Mission{}, err
		}
		m.Status = domain.MissionFailed
	} else {
		next := now.UTC().Add(policy.Next(m.Retries)).Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, error=?, retries=retries+1, next_retry_at=?, updated_at=? WHERE id=?`,
			domain.MissionPending, errMsg, next, ts, id); err != nil {
			return domain.Mission{}, err
		}
		m.Status = domain.MissionPending
		m.Retries++
		m.NextRetryAt = next
	}
	m.Error = &errMsg
	m.UpdatedAt = ts
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// FailMissionPermanently skips the retry path for permanent validation
// errors such as a malformed payload.
func (r Repo) FailMissionPermanently(ctx context.Context, id, errMsg string, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, error=?, updated_at=? WHERE id=? AND status=?`,
		domain.MissionFailed, errMsg, ts, id, domain.MissionProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionError(ctx, id, domain.MissionFailed)
	}
	return nil
}

// ReclaimStaleMissions pushes processing missions whose last update is older
// than staleAfter back through the retry path, covering runners that crashed
// without calling complete or fail. Younger rows are left alone.
func (r Repo) ReclaimStaleMissions(ctx context.Context, missionType string, staleAfter time.Duration, policy backoff.Policy, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-staleAfter).Format(time.RFC3339)
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM missions WHERE type=? AND status=? AND updated_at<?`,
		missionType, domain.MissionProcessing, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, id := range ids {
		if _, err := r.FailMission(ctx, id, "reclaimed: processing past staleness threshold", policy, now); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

type MissionFilters struct {
	Type   string
	Status string
	Limit  int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += " AND type=?"
		args = append(args, f.Type)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RetryMission manually re-queues a terminally failed mission, resetting its
// retry count. Operator escape hatch for missions past the ceiling.
func (r Repo) RetryMission(ctx context.Context, id string, now time.Time) (domain.Mission, error) {
	ts := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE missions SET status=?, retries=0, next_retry_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.MissionPending, ts, ts, id, domain.MissionFailed)
	if err != nil {
		return domain.Mission{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Mission{}, r.transitionError(ctx, id, domain.MissionPending)
	}
	return r.GetMission(ctx, id)
}

// QueueDepth returns mission counts keyed by type then status.
func (r Repo) QueueDepth(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, status, count(*) FROM missions GROUP BY type, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]map[string]int{}
	for rows.Next() {
		var missionType, status string
		var count int
		if err := rows.Scan(&missionType, &status, &count); err != nil {
			return nil, err
		}
		if res[missionType] == nil {
			res[missionType] = map[string]int{}
		}
		res[missionType][status] = count
	}
	return res, rows.Err()
}

func (r Repo) transitionError(ctx context.Context, id, target string) error {
	m, err := r.GetMission(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, target)
}
