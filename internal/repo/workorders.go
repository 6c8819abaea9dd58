package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"dispatchd/internal/domain"
)

const workOrderColumns = `id,agent_id,repo_id,parent_work_order_id,source,objective,status,branch_name,correlation_id,pr_url,summary,error_message,tokens_input,tokens_output,total_cost,duration_ms,lines,constraints,exploration_hints,verification,metadata,created_at,updated_at,finished_at`

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var agentID, repoID, parentID, objective, branch, correlation, prURL, summary, errMsg, lines, constraints, hints, verification, metadata, finishedAt sql.NullString
	var durationMS sql.NullInt64
	err := row.Scan(&wo.ID, &agentID, &repoID, &parentID, &wo.Source, &objective, &wo.Status, &branch, &correlation,
		&prURL, &summary, &errMsg, &wo.TokensInput, &wo.TokensOutput, &wo.TotalCost, &durationMS,
		&lines, &constraints, &hints, &verification, &metadata, &wo.CreatedAt, &wo.UpdatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return wo, ErrNotFound
	}
	if err != nil {
		return wo, err
	}
	wo.AgentID = stringPtr(agentID)
	wo.RepoID = stringPtr(repoID)
	wo.ParentID = stringPtr(parentID)
	wo.Objective = stringPtr(objective)
	wo.BranchName = stringPtr(branch)
	wo.CorrelationID = stringPtr(correlation)
	wo.PRURL = stringPtr(prURL)
	wo.Summary = stringPtr(summary)
	wo.ErrorMessage = stringPtr(errMsg)
	wo.DurationMS = int64Ptr(durationMS)
	wo.FinishedAt = stringPtr(finishedAt)
	if lines.Valid && lines.String != "" {
		if err := json.Unmarshal([]byte(lines.String), &wo.Lines); err != nil {
			return wo, fmt.Errorf("decode lines for %s: %w", wo.ID, err)
		}
	}
	if constraints.Valid {
		wo.Constraints = json.RawMessage(constraints.String)
	}
	if hints.Valid {
		wo.Hints = json.RawMessage(hints.String)
	}
	if verification.Valid {
		wo.Verification = json.RawMessage(verification.String)
	}
	if metadata.Valid {
		wo.Metadata = json.RawMessage(metadata.String)
	}
	return wo, nil
}

func (r Repo) InsertWorkOrder(ctx context.Context, wo domain.WorkOrder) error {
	var lines any
	if len(wo.Lines) > 0 {
		b, err := json.Marshal(wo.Lines)
		if err != nil {
			return err
		}
		lines = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO work_orders(`+workOrderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wo.ID, nullableStringPtr(wo.AgentID), nullableStringPtr(wo.RepoID), nullableStringPtr(wo.ParentID),
		wo.Source, nullableStringPtr(wo.Objective), wo.Status, nullableStringPtr(wo.BranchName),
		nullableStringPtr(wo.CorrelationID), nullableStringPtr(wo.PRURL), nullableStringPtr(wo.Summary),
		nullableStringPtr(wo.ErrorMessage), wo.TokensInput, wo.TokensOutput, wo.TotalCost,
		nullableInt64Ptr(wo.DurationMS), lines, nullableJSON(wo.Constraints), nullableJSON(wo.Hints),
		nullableJSON(wo.Verification), nullableJSON(wo.Metadata), wo.CreatedAt, wo.UpdatedAt,
		nullableStringPtr(wo.FinishedAt))
	return err
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id))
}

// GetWorkOrderByCorrelation looks up the order owning a provider agent id.
func (r Repo) GetWorkOrderByCorrelation(ctx context.Context, correlationID string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE correlation_id=? LIMIT 1`, correlationID))
}

type WorkOrderFilters struct {
	Status string
	Source string
	Limit  int
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wo)
	}
	return res, rows.Err()
}

// MarkWorkOrderRunning is the pending -> running transition, recording the
// provider correlation id. Zero rows affected means the order was not
// pending anymore.
func (r Repo) MarkWorkOrderRunning(ctx context.Context, id, correlationID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE work_orders SET status=?, correlation_id=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusRunning, nullable(correlationID), now, id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TerminalFields carries the optional fields a terminal callback may set.
// Nil fields keep their stored value.
type TerminalFields struct {
	PRURL        *string
	BranchName   *string
	Summary      *string
	ErrorMessage *string
	TokensInput  *int64
	TokensOutput *int64
	TotalCost    *float64
	DurationMS   *int64
}

// ResolveWorkOrderTerminal closes a work order exactly once: the update is
// conditional on a non-terminal status, so a duplicate callback affects
// zero rows instead of overwriting the first resolution.
func (r Repo) ResolveWorkOrderTerminal(ctx context.Context, id, status, now string, f TerminalFields) (bool, error) {
	var cost any
	if f.TotalCost != nil {
		cost = *f.TotalCost
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE work_orders SET
status=?, finished_at=?, updated_at=?,
pr_url=COALESCE(?,pr_url), branch_name=COALESCE(?,branch_name),
summary=COALESCE(?,summary), error_message=COALESCE(?,error_message),
tokens_input=COALESCE(?,tokens_input), tokens_output=COALESCE(?,tokens_output),
total_cost=COALESCE(?,total_cost), duration_ms=COALESCE(?,duration_ms)
WHERE id=? AND status IN (?,?)`,
		status, now, now,
		nullableStringPtr(f.PRURL), nullableStringPtr(f.BranchName),
		nullableStringPtr(f.Summary), nullableStringPtr(f.ErrorMessage),
		nullableInt64Ptr(f.TokensInput), nullableInt64Ptr(f.TokensOutput),
		cost, nullableInt64Ptr(f.DurationMS),
		id, domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelWorkOrder is the pending -> cancelled transition.
func (r Repo) CancelWorkOrder(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE work_orders SET status=?, finished_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusCancelled, now, now, id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LaunchView is the joined read the dispatcher needs to build a provider
// launch request.
type LaunchView struct {
	Order         domain.WorkOrder
	RepoURL       string
	DefaultBranch string
	SystemPrompt  string
}

func (r Repo) GetWorkOrderLaunchView(ctx context.Context, id string) (LaunchView, error) {
	wo, err := r.GetWorkOrder(ctx, id)
	if err != nil {
		return LaunchView{}, err
	}
	view := LaunchView{Order: wo, DefaultBranch: "main"}
	if wo.RepoID != nil {
		var repoURL, branch string
		err := r.DB.QueryRowContext(ctx, `SELECT repo_url,default_branch FROM agent_repos WHERE id=?`, *wo.RepoID).
			Scan(&repoURL, &branch)
		if err != nil && err != sql.ErrNoRows {
			return LaunchView{}, err
		}
		if err == nil {
			view.RepoURL = repoURL
			if branch != "" {
				view.DefaultBranch = branch
			}
		}
	}
	if wo.AgentID != nil {
		var prompt sql.NullString
		err := r.DB.QueryRowContext(ctx, `SELECT system_prompt FROM agents WHERE id=?`, *wo.AgentID).Scan(&prompt)
		if err != nil && err != sql.ErrNoRows {
			return LaunchView{}, err
		}
		if prompt.Valid {
			view.SystemPrompt = prompt.String
		}
	}
	return view, nil
}
