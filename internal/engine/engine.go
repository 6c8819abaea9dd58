// Package engine owns the work order lifecycle: creation, dispatch to the
// provider, and the exactly-once terminal transition with its job-run
// cascade.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/domain"
	"dispatchd/internal/license"
	"dispatchd/internal/repo"
)

// ValidationError marks caller mistakes that should surface as 400s.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// Engine coordinates work order state. All transitions go through
// conditional updates in the repo layer so concurrent callers cannot
// double-apply them.
type Engine struct {
	Repo     repo.Repo
	License  *license.Evaluator
	Launcher dispatch.Launcher
	Now      func() time.Time
}

func New(r repo.Repo, lic *license.Evaluator, launcher dispatch.Launcher) *Engine {
	return &Engine{Repo: r, License: lic, Launcher: launcher, Now: time.Now}
}

func (e *Engine) now() string { return e.Now().UTC().Format(time.RFC3339) }

// CreateParams is the accepted surface for new work orders.
type CreateParams struct {
	AgentID      *string
	RepoID       *string
	ParentID     *string
	Source       string
	Objective    *string
	Lines        []domain.WorkLine
	Constraints  json.RawMessage
	Hints        json.RawMessage
	Verification json.RawMessage
	Metadata     json.RawMessage
}

// Create records a new pending work order. An order needs at least an
// objective or one work line; an empty order has nothing to dispatch.
func (e *Engine) Create(ctx context.Context, p CreateParams) (domain.WorkOrder, error) {
	hasObjective := p.Objective != nil && strings.TrimSpace(*p.Objective) != ""
	if !hasObjective && len(p.Lines) == 0 {
		return domain.WorkOrder{}, ValidationError{Msg: "a work order needs an objective or at least one line"}
	}
	source := p.Source
	if source == "" {
		source = domain.SourceCloud
	}
	switch source {
	case domain.SourceCloud, domain.SourceLocal, domain.SourceJob:
	default:
		return domain.WorkOrder{}, ValidationError{Msg: fmt.Sprintf("unknown source %q", p.Source)}
	}
	now := e.now()
	lines := make([]domain.WorkLine, len(p.Lines))
	for i, line := range p.Lines {
		if strings.TrimSpace(line.Title) == "" {
			return domain.WorkOrder{}, ValidationError{Msg: fmt.Sprintf("line %d has no title", i+1)}
		}
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		if line.Status == "" {
			line.Status = domain.StatusPending
		}
		lines[i] = line
	}
	wo := domain.WorkOrder{
		ID:           uuid.NewString(),
		AgentID:      p.AgentID,
		RepoID:       p.RepoID,
		ParentID:     p.ParentID,
		Source:       source,
		Objective:    p.Objective,
		Status:       domain.StatusPending,
		Lines:        lines,
		Constraints:  p.Constraints,
		Hints:        p.Hints,
		Verification: p.Verification,
		Metadata:     p.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertWorkOrder(ctx, wo); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

// DispatchResult reports what Dispatch did with an order.
type DispatchResult struct {
	Order   domain.WorkOrder
	Skipped bool
}

// Dispatch launches a pending work order on the provider. Local orders are
// never dispatched; they wait for an agent on the same machine to pick them
// up. A launch failure leaves the order pending so it can be retried; the
// running transition happens only after the provider has accepted the run.
func (e *Engine) Dispatch(ctx context.Context, id string) (DispatchResult, error) {
	view, err := e.Repo.GetWorkOrderLaunchView(ctx, id)
	if err != nil {
		return DispatchResult{}, err
	}
	order := view.Order
	if order.Source == domain.SourceLocal {
		return DispatchResult{Order: order, Skipped: true}, nil
	}
	if order.Status != domain.StatusPending {
		return DispatchResult{}, ValidationError{Msg: fmt.Sprintf("work order %s is %s, only pending orders dispatch", id, order.Status)}
	}
	correlationID, err := e.Launcher.Launch(ctx, dispatch.LaunchRequest{
		Order:        order,
		RepoURL:      view.RepoURL,
		Ref:          view.DefaultBranch,
		SystemPrompt: view.SystemPrompt,
	})
	if err != nil {
		return DispatchResult{}, err
	}
	moved, err := e.Repo.MarkWorkOrderRunning(ctx, id, correlationID, e.now())
	if err != nil {
		return DispatchResult{}, err
	}
	if !moved {
		// Someone cancelled or resolved the order while the launch was in
		// flight. The provider run is now orphaned; record it and move on.
		log.Printf("engine: work order %s left pending state during launch, provider run %s orphaned", id, correlationID)
	}
	updated, err := e.Repo.GetWorkOrder(ctx, id)
	if err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{Order: updated}, nil
}

// ResolveTerminal closes a work order exactly once. The first caller wins;
// later callers get applied=false and the stored order is left untouched.
// When the order belongs to a scheduled job run, the run is closed with the
// same outcome.
func (e *Engine) ResolveTerminal(ctx context.Context, id, status string, fields repo.TerminalFields) (bool, error) {
	if !domain.TerminalStatus(status) || status == domain.StatusCancelled {
		return false, ValidationError{Msg: fmt.Sprintf("%q is not a terminal resolution status", status)}
	}
	now := e.now()
	applied, err := e.Repo.ResolveWorkOrderTerminal(ctx, id, status, now, fields)
	if err != nil || !applied {
		return applied, err
	}
	order, err := e.Repo.GetWorkOrder(ctx, id)
	if err != nil {
		return true, err
	}
	if runID := jobRunID(order.Metadata); runID != "" {
		errMsg := ""
		if status == domain.StatusFailed && order.ErrorMessage != nil {
			errMsg = *order.ErrorMessage
		}
		if err := e.Repo.CloseJobRun(ctx, runID, status, errMsg, now); err != nil {
			log.Printf("engine: close job run %s for work order %s: %v", runID, id, err)
		}
	}
	return true, nil
}

// Cancel aborts a pending order. Running orders cannot be cancelled here;
// the provider run has to finish on its own.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	if _, err := e.Repo.GetWorkOrder(ctx, id); err != nil {
		return false, err
	}
	return e.Repo.CancelWorkOrder(ctx, id, e.now())
}

func jobRunID(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var meta struct {
		JobRunID string `json:"job_run_id"`
	}
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return ""
	}
	return meta.JobRunID
}
