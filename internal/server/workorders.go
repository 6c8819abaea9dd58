package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dispatchd/internal/domain"
	"dispatchd/internal/engine"
	"dispatchd/internal/ledger"
	"dispatchd/internal/repo"
)

type CreateWorkOrderRequest struct {
	AgentID      *string           `json:"agent_id,omitempty"`
	RepoID       *string           `json:"repo_id,omitempty"`
	ParentID     *string           `json:"parent_work_order_id,omitempty"`
	Source       string            `json:"source,omitempty" enum:"cloud,local,job"`
	Objective    *string           `json:"objective,omitempty"`
	Lines        []domain.WorkLine `json:"lines,omitempty"`
	Constraints  json.RawMessage   `json:"constraints,omitempty"`
	Hints        json.RawMessage   `json:"exploration_hints,omitempty"`
	Verification json.RawMessage   `json:"verification,omitempty"`
	Metadata     json.RawMessage   `json:"metadata,omitempty"`
	Dispatch     bool              `json:"dispatch,omitempty"`
}

// CreateWorkOrderResponse is the created order plus a soft launch failure
// when immediate dispatch was requested and the provider refused.
type CreateWorkOrderResponse struct {
	domain.WorkOrder
	LaunchError *string `json:"launch_error,omitempty"`
}

func registerWorkOrders(api huma.API, e *engine.Engine, l *ledger.Ledger) {
	type orderPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Create a work order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body CreateWorkOrderResponse `json:"body"`
	}, error) {
		wo, err := e.Create(ctx, engine.CreateParams{
			AgentID:      input.Body.AgentID,
			RepoID:       input.Body.RepoID,
			ParentID:     input.Body.ParentID,
			Source:       input.Body.Source,
			Objective:    input.Body.Objective,
			Lines:        input.Body.Lines,
			Constraints:  input.Body.Constraints,
			Hints:        input.Body.Hints,
			Verification: input.Body.Verification,
			Metadata:     input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body CreateWorkOrderResponse `json:"body"`
		}{}
		out.Body.WorkOrder = wo
		if input.Body.Dispatch {
			res, err := e.Dispatch(ctx, wo.ID)
			if err != nil {
				// The order exists and stays pending. Launch failure is
				// soft here: the caller still gets the created order and
				// can retry the dispatch endpoint.
				log.Printf("server: dispatch on create %s: %v", wo.ID, err)
				msg := err.Error()
				out.Body.LaunchError = &msg
			} else {
				out.Body.WorkOrder = res.Order
			}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Source string `query:"source"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkOrder `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{
			Status: input.Status,
			Source: input.Source,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkOrder{}
		}
		return &struct {
			Body []domain.WorkOrder `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get a work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		wo, err := e.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: wo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/dispatch",
		Summary:     "Dispatch a pending work order to the provider",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body struct {
			Order   domain.WorkOrder `json:"order"`
			Skipped bool             `json:"skipped"`
		} `json:"body"`
	}, error) {
		res, err := e.Dispatch(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Order   domain.WorkOrder `json:"order"`
				Skipped bool             `json:"skipped"`
			} `json:"body"`
		}{}
		out.Body.Order = res.Order
		out.Body.Skipped = res.Skipped
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/cancel",
		Summary:     "Cancel a pending work order",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		applied, err := e.Cancel(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !applied {
			return nil, newAPIError(http.StatusConflict, "not_cancellable", "only pending work orders can be cancelled", nil)
		}
		wo, err := e.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: wo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/resolve",
		Summary:     "Manually resolve a work order",
		Description: "Operator escape hatch for orders whose provider run died without a callback.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status       string  `json:"status" enum:"completed,failed"`
			Summary      *string `json:"summary,omitempty"`
			ErrorMessage *string `json:"error_message,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkOrder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		applied, err := e.ResolveTerminal(ctx, input.ID, input.Body.Status, repo.TerminalFields{
			Summary:      input.Body.Summary,
			ErrorMessage: input.Body.ErrorMessage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if !applied {
			return nil, newAPIError(http.StatusConflict, "order_closed", "work order is already resolved", nil)
		}
		wo, err := e.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: wo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-order-summary",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/summary",
		Summary:     "Aggregate a work order's execution ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body ledger.Summary `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkOrder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		sum, err := l.Aggregate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.Summary `json:"body"`
		}{Body: sum}, nil
	})
}

// IngestEventResponse is the stored event plus a follow-up instruction the
// agent should act on, present when a session_end left work lines pending.
type IngestEventResponse struct {
	domain.ExecutionEvent
	FollowupMessage string `json:"followup_message,omitempty"`
}

func registerEvents(api huma.API, l *ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Ingest an execution event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			WorkOrderID *string        `json:"work_order_id,omitempty"`
			AgentID     *string        `json:"agent_id,omitempty"`
			EventType   string         `json:"event_type"`
			Payload     map[string]any `json:"payload,omitempty"`
			Sequence    *int64         `json:"sequence_number,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body IngestEventResponse `json:"body"`
	}, error) {
		ev, followup, err := l.Append(ctx, ledger.AppendParams{
			WorkOrderID: input.Body.WorkOrderID,
			AgentID:     input.Body.AgentID,
			EventType:   input.Body.EventType,
			Payload:     input.Body.Payload,
			Sequence:    input.Body.Sequence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestEventResponse `json:"body"`
		}{Body: IngestEventResponse{ExecutionEvent: ev, FollowupMessage: followup}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/events",
		Summary:     "List a work order's events in display order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.ExecutionEvent `json:"body"`
	}, error) {
		if _, err := l.Repo.GetWorkOrder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := l.List(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ExecutionEvent{}
		}
		return &struct {
			Body []domain.ExecutionEvent `json:"body"`
		}{Body: items}, nil
	})
}
