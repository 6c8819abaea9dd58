package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"dispatchd/internal/domain"
)

const agentColumns = `id,name,description,system_prompt,status,last_heartbeat,notification_config,created_at,updated_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var description, systemPrompt, heartbeat, notification sql.NullString
	err := row.Scan(&a.ID, &a.Name, &description, &systemPrompt, &a.Status, &heartbeat, &notification,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Description = stringPtr(description)
	a.SystemPrompt = stringPtr(systemPrompt)
	a.LastHeartbeat = stringPtr(heartbeat)
	if notification.Valid {
		a.Notification = json.RawMessage(notification.String)
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, nullableStringPtr(a.Description), nullableStringPtr(a.SystemPrompt), a.Status,
		nullableStringPtr(a.LastHeartbeat), nullableJSON(a.Notification), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// TouchAgentHeartbeat refreshes liveness when an event arrives for an agent.
func (r Repo) TouchAgentHeartbeat(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat=?, status='active', updated_at=? WHERE id=?`, now, now, id)
	return err
}

func (r Repo) InsertAgentRepo(ctx context.Context, ar domain.AgentRepo) error {
	branch := ar.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO agent_repos(id,agent_id,repo_url,default_branch,created_at) VALUES (?,?,?,?,?)`,
		ar.ID, nullableStringPtr(ar.AgentID), ar.RepoURL, branch, ar.CreatedAt)
	return err
}

func (r Repo) GetAgentRepo(ctx context.Context, id string) (domain.AgentRepo, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,agent_id,repo_url,default_branch,created_at FROM agent_repos WHERE id=?`, id)
	var ar domain.AgentRepo
	var agentID sql.NullString
	err := row.Scan(&ar.ID, &agentID, &ar.RepoURL, &ar.DefaultBranch, &ar.CreatedAt)
	if err == sql.ErrNoRows {
		return ar, ErrNotFound
	}
	if err != nil {
		return ar, err
	}
	ar.AgentID = stringPtr(agentID)
	return ar, nil
}
