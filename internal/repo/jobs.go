package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"dispatchd/internal/domain"
)

const jobColumns = `id,name,description,cron_expression,agent_id,repo_id,work_order_template,enabled,last_run_at,next_run_at,created_at,updated_at`

func scanJob(row rowScanner) (domain.ScheduledJob, error) {
	var j domain.ScheduledJob
	var description, agentID, repoID, lastRun, nextRun sql.NullString
	var template string
	var enabled int
	err := row.Scan(&j.ID, &j.Name, &description, &j.CronExpr, &agentID, &repoID, &template, &enabled,
		&lastRun, &nextRun, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Description = stringPtr(description)
	j.AgentID = stringPtr(agentID)
	j.RepoID = stringPtr(repoID)
	j.LastRunAt = stringPtr(lastRun)
	j.NextRunAt = stringPtr(nextRun)
	j.Template = json.RawMessage(template)
	j.Enabled = enabled != 0
	return j, nil
}

func (r Repo) InsertScheduledJob(ctx context.Context, j domain.ScheduledJob) error {
	template := string(j.Template)
	if template == "" {
		template = "{}"
	}
	enabled := 0
	if j.Enabled {
		enabled = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scheduled_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, nullableStringPtr(j.Description), j.CronExpr, nullableStringPtr(j.AgentID),
		nullableStringPtr(j.RepoID), template, enabled, nullableStringPtr(j.LastRunAt),
		nullableStringPtr(j.NextRunAt), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetScheduledJob(ctx context.Context, id string) (domain.ScheduledJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id=?`, id))
}

func (r Repo) ListScheduledJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) TouchScheduledJobLastRun(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE scheduled_jobs SET last_run_at=?, updated_at=? WHERE id=?`, now, now, id)
	return err
}

func (r Repo) InsertJobRun(ctx context.Context, run domain.JobRun) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO job_runs(id,job_id,work_order_id,status,error_message,started_at,finished_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.JobID, nullableStringPtr(run.WorkOrderID), run.Status,
		nullableStringPtr(run.ErrorMessage), run.StartedAt, nullableStringPtr(run.FinishedAt))
	return err
}

func (r Repo) LinkJobRunWorkOrder(ctx context.Context, runID, workOrderID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE job_runs SET work_order_id=? WHERE id=?`, workOrderID, runID)
	return err
}

// CloseJobRun mirrors the owning work order's terminal status onto the run.
func (r Repo) CloseJobRun(ctx context.Context, runID, status, errorMessage, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE job_runs SET status=?, error_message=?, finished_at=? WHERE id=?`,
		status, nullable(errorMessage), now, runID)
	return err
}

func (r Repo) GetJobRun(ctx context.Context, id string) (domain.JobRun, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,job_id,work_order_id,status,error_message,started_at,finished_at FROM job_runs WHERE id=?`, id)
	var run domain.JobRun
	var workOrderID, errMsg, finishedAt sql.NullString
	err := row.Scan(&run.ID, &run.JobID, &workOrderID, &run.Status, &errMsg, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.WorkOrderID = stringPtr(workOrderID)
	run.ErrorMessage = stringPtr(errMsg)
	run.FinishedAt = stringPtr(finishedAt)
	return run, nil
}
