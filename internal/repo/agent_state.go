package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"casahunt/internal/domain"
)

// RecordAgentState appends an observability record for an agent run.
func (r Repo) RecordAgentState(ctx context.Context, agentName, state string, details map[string]any, now time.Time) error {
	var detailsJSON any
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal agent details: %w", err)
		}
		detailsJSON = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_state(agent_name,state,details_json,created_at) VALUES (?,?,?,?)`,
		agentName, state, detailsJSON, now.UTC().Format(time.RFC3339))
	return err
}

// LatestAgentStates returns the most recent state row per agent.
func (r Repo) LatestAgentStates(ctx context.Context) (map[string]domain.AgentState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id,a.agent_name,a.state,a.details_json,a.created_at
FROM agent_state a
JOIN (SELECT agent_name, MAX(id) AS max_id FROM agent_state GROUP BY agent_name) latest
ON a.id=latest.max_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.AgentState{}
	for rows.Next() {
		var s domain.AgentState
		var details sql.NullString
		if err := rows.Scan(&s.ID, &s.AgentName, &s.State, &details, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.DetailsJSON = details.String
		res[s.AgentName] = s
	}
	return res, rows.Err()
}

// AgentStateHistory returns recent state rows, newest first, optionally for
// one agent.
func (r Repo) AgentStateHistory(ctx context.Context, agentName string, limit int) ([]domain.AgentState, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT id,agent_name,state,details_json,created_at FROM agent_state WHERE 1=1`
	var args []any
	if agentName != "" {
		query += " AND agent_name=?"
		args = append(args, agentName)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentState
	for rows.Next() {
		var s domain.AgentState
		var details sql.NullString
		if err := rows.Scan(&s.ID, &s.AgentName, &s.State, &details, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.DetailsJSON = details.String
		res = append(res, s)
	}
	return res, rows.Err()
}
