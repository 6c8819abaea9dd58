package repo

import (
	"context"
	"database/sql"
	"strings"

	"dispatchd/internal/domain"
)

const eventColumns = `id,work_order_id,agent_id,event_type,payload,sequence_number,created_at`

// Ledger display order: sequence number ascending with nulls last, then
// creation time, then row id.
const eventOrder = `ORDER BY CASE WHEN sequence_number IS NULL THEN 1 ELSE 0 END, sequence_number ASC, created_at ASC, id ASC`

func scanEvent(row rowScanner) (domain.ExecutionEvent, error) {
	var ev domain.ExecutionEvent
	var workOrderID, agentID sql.NullString
	var seq sql.NullInt64
	var payload string
	err := row.Scan(&ev.ID, &workOrderID, &agentID, &ev.EventType, &payload, &seq, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.WorkOrderID = stringPtr(workOrderID)
	ev.AgentID = stringPtr(agentID)
	ev.Sequence = int64Ptr(seq)
	ev.Payload = []byte(payload)
	return ev, nil
}

func (r Repo) InsertEvent(ctx context.Context, ev domain.ExecutionEvent) (int64, error) {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO agent_logs(work_order_id,agent_id,event_type,payload,sequence_number,created_at) VALUES (?,?,?,?,?,?)`,
		nullableStringPtr(ev.WorkOrderID), nullableStringPtr(ev.AgentID), ev.EventType, payload,
		nullableInt64Ptr(ev.Sequence), ev.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListEvents returns a work order's events in ledger display order.
func (r Repo) ListEvents(ctx context.Context, workOrderID string, limit int) ([]domain.ExecutionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM agent_logs WHERE work_order_id=? ` + eventOrder
	args := []any{workOrderID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with row ids greater than the cursor in append
// order, for live tailing.
func (r Repo) EventsAfter(ctx context.Context, workOrderID string, cursor int64, limit int) ([]domain.ExecutionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"work_order_id=?"}
	args := []any{workOrderID}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT ` + eventColumns + ` FROM agent_logs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.ExecutionEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
