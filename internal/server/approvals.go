package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dispatchd/internal/approvals"
	"dispatchd/internal/domain"
	"dispatchd/internal/repo"
)

func registerApprovals(api huma.API, b *approvals.Broker) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Raise an approval request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			WorkOrderID *string         `json:"work_order_id,omitempty"`
			AgentID     *string         `json:"agent_id,omitempty"`
			Question    string          `json:"question"`
			Options     []string        `json:"options,omitempty"`
			Context     json.RawMessage `json:"context,omitempty"`
			ExpiresAt   *string         `json:"expires_at,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		approval, err := b.Request(ctx, approvals.RequestParams{
			WorkOrderID: input.Body.WorkOrderID,
			AgentID:     input.Body.AgentID,
			Question:    input.Body.Question,
			Options:     input.Body.Options,
			Context:     input.Body.Context,
			ExpiresAt:   input.Body.ExpiresAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: approval}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		WorkOrderID string `query:"work_order_id"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		items, err := b.List(ctx, repo.ApprovalFilters{
			Status:      input.Status,
			WorkOrderID: input.WorkOrderID,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Approval{}
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get an approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		approval, err := b.Repo.GetApproval(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: approval}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/resolve",
		Summary:     "Resolve an approval",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Decision  string `json:"decision"`
			DecidedBy string `json:"decided_by,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Decision) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision is required", nil)
		}
		decidedBy := input.Body.DecidedBy
		if decidedBy == "" {
			if p, ok := principalFromContext(ctx); ok {
				decidedBy = p.Subject
			}
		}
		approval, err := b.Resolve(ctx, input.ID, input.Body.Decision, decidedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: approval}, nil
	})
}
