package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"dispatchd/internal/domain"
	"dispatchd/internal/license"
)

// JobRunResult reports the outcome of one scheduled job trigger.
type JobRunResult struct {
	Run         domain.JobRun
	Order       *domain.WorkOrder
	Skipped     bool
	SkipReason  string
	LaunchError string
}

// RunScheduledJob instantiates a job's work order template and dispatches
// it. Cron evaluation lives outside the process; whatever triggers this
// (external scheduler, CLI, manual call) owns the timing. Disabled jobs are
// skipped, not errored, so a dumb scheduler can fire every job it knows
// about. A failed launch leaves the order pending and reports the error on
// the result instead of failing the trigger.
func (e *Engine) RunScheduledJob(ctx context.Context, jobID string) (JobRunResult, error) {
	if !e.License.FeatureEnabled(ctx, "scheduled_jobs") {
		return JobRunResult{}, license.FeatureError{Feature: "scheduled_jobs", RequiredTier: license.RequiredTier("scheduled_jobs")}
	}
	job, err := e.Repo.GetScheduledJob(ctx, jobID)
	if err != nil {
		return JobRunResult{}, err
	}
	if !job.Enabled {
		return JobRunResult{Skipped: true, SkipReason: "job is disabled"}, nil
	}
	var template domain.JobTemplate
	if len(job.Template) > 0 {
		if err := json.Unmarshal(job.Template, &template); err != nil {
			return JobRunResult{}, fmt.Errorf("job %s has an invalid template: %w", jobID, err)
		}
	}
	now := e.now()
	run := domain.JobRun{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Status:    domain.StatusRunning,
		StartedAt: now,
	}
	if err := e.Repo.InsertJobRun(ctx, run); err != nil {
		return JobRunResult{}, err
	}
	metadata, _ := json.Marshal(map[string]string{"job_id": job.ID, "job_run_id": run.ID})
	order, err := e.Create(ctx, CreateParams{
		AgentID:     job.AgentID,
		RepoID:      job.RepoID,
		Source:      domain.SourceJob,
		Objective:   template.Objective,
		Lines:       template.Lines,
		Constraints: template.Constraints,
		Metadata:    metadata,
	})
	if err != nil {
		closeErr := e.Repo.CloseJobRun(ctx, run.ID, domain.StatusFailed, err.Error(), e.now())
		if closeErr != nil {
			log.Printf("engine: close failed job run %s: %v", run.ID, closeErr)
		}
		return JobRunResult{}, err
	}
	if err := e.Repo.LinkJobRunWorkOrder(ctx, run.ID, order.ID); err != nil {
		return JobRunResult{}, err
	}
	if err := e.Repo.TouchScheduledJobLastRun(ctx, job.ID, now); err != nil {
		return JobRunResult{}, err
	}
	run.WorkOrderID = &order.ID

	result := JobRunResult{Run: run, Order: &order}
	dispatched, err := e.Dispatch(ctx, order.ID)
	if err != nil {
		log.Printf("engine: job %s launch failed, order %s stays pending: %v", job.ID, order.ID, err)
		result.LaunchError = err.Error()
		return result, nil
	}
	result.Order = &dispatched.Order
	return result, nil
}
