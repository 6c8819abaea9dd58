package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dispatchd/internal/domain"
	"dispatchd/internal/engine"
)

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create a scheduled job",
		Description:   "The cron expression is stored for the external scheduler; dispatchd does not evaluate it.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name        string          `json:"name"`
			Description *string         `json:"description,omitempty"`
			CronExpr    string          `json:"cron_expression"`
			AgentID     *string         `json:"agent_id,omitempty"`
			RepoID      *string         `json:"repo_id,omitempty"`
			Template    json.RawMessage `json:"work_order_template"`
			Enabled     *bool           `json:"enabled,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.ScheduledJob `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if strings.TrimSpace(input.Body.CronExpr) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "cron_expression is required", nil)
		}
		var template domain.JobTemplate
		if len(input.Body.Template) > 0 {
			if err := json.Unmarshal(input.Body.Template, &template); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "work_order_template is not valid JSON", nil)
			}
		}
		hasObjective := template.Objective != nil && strings.TrimSpace(*template.Objective) != ""
		if !hasObjective && len(template.Lines) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "work_order_template needs an objective or lines", nil)
		}
		enabled := true
		if input.Body.Enabled != nil {
			enabled = *input.Body.Enabled
		}
		ts := now()
		job := domain.ScheduledJob{
			ID:          newID(),
			Name:        input.Body.Name,
			Description: input.Body.Description,
			CronExpr:    input.Body.CronExpr,
			AgentID:     input.Body.AgentID,
			RepoID:      input.Body.RepoID,
			Template:    input.Body.Template,
			Enabled:     enabled,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if err := e.Repo.InsertScheduledJob(ctx, job); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ScheduledJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List scheduled jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ScheduledJob `json:"body"`
	}, error) {
		items, err := e.Repo.ListScheduledJobs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ScheduledJob{}
		}
		return &struct {
			Body []domain.ScheduledJob `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a scheduled job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ScheduledJob `json:"body"`
	}, error) {
		job, err := e.Repo.GetScheduledJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ScheduledJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/run",
		Summary:     "Trigger a scheduled job now",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.JobRunResult `json:"body"`
	}, error) {
		res, err := e.RunScheduledJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.JobRunResult `json:"body"`
		}{Body: res}, nil
	})
}
