package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"dispatchd/internal/domain"
)

const approvalColumns = `id,work_order_id,agent_id,question,options,context,status,decision,decided_by,decided_at,expires_at,created_at`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var workOrderID, agentID, contextJSON, decision, decidedBy, decidedAt, expiresAt sql.NullString
	var options string
	err := row.Scan(&a.ID, &workOrderID, &agentID, &a.Question, &options, &contextJSON, &a.Status,
		&decision, &decidedBy, &decidedAt, &expiresAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.WorkOrderID = stringPtr(workOrderID)
	a.AgentID = stringPtr(agentID)
	a.Decision = stringPtr(decision)
	a.DecidedBy = stringPtr(decidedBy)
	a.DecidedAt = stringPtr(decidedAt)
	a.ExpiresAt = stringPtr(expiresAt)
	if contextJSON.Valid {
		a.Context = json.RawMessage(contextJSON.String)
	}
	if options != "" {
		if err := json.Unmarshal([]byte(options), &a.Options); err != nil {
			return a, fmt.Errorf("decode options for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, a domain.Approval) error {
	options := a.Options
	if options == nil {
		options = []string{}
	}
	optJSON, err := json.Marshal(options)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.WorkOrderID), nullableStringPtr(a.AgentID), a.Question, string(optJSON),
		nullableJSON(a.Context), a.Status, nullableStringPtr(a.Decision), nullableStringPtr(a.DecidedBy),
		nullableStringPtr(a.DecidedAt), nullableStringPtr(a.ExpiresAt), a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

type ApprovalFilters struct {
	Status      string
	WorkOrderID string
	Limit       int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.Approval, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveApproval performs the exactly-once pending -> resolved transition.
// Concurrent resolvers race at the storage layer; zero rows affected means
// another resolution won.
func (r Repo) ResolveApproval(ctx context.Context, id, decision, decidedBy, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE approvals SET status=?, decision=?, decided_by=?, decided_at=? WHERE id=? AND status=?`,
		domain.ApprovalResolved, decision, nullable(decidedBy), now, id, domain.ApprovalPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
