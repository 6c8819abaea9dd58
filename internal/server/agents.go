package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dispatchd/internal/domain"
	"dispatchd/internal/repo"
)

func registerAgents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name         string          `json:"name"`
			Description  *string         `json:"description,omitempty"`
			SystemPrompt *string         `json:"system_prompt,omitempty"`
			Notification json.RawMessage `json:"notification_config,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		ts := now()
		agent := domain.Agent{
			ID:           newID(),
			Name:         input.Body.Name,
			Description:  input.Body.Description,
			SystemPrompt: input.Body.SystemPrompt,
			Status:       "idle",
			Notification: input.Body.Notification,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
		if err := r.InsertAgent(ctx, agent); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := r.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Agent{}
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agent, err := r.GetAgent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-agent-repo",
		Method:        http.MethodPost,
		Path:          "/repos",
		Summary:       "Register a repository for dispatch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			AgentID       *string `json:"agent_id,omitempty"`
			RepoURL       string  `json:"repo_url"`
			DefaultBranch string  `json:"default_branch,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.AgentRepo `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.RepoURL) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repo_url is required", nil)
		}
		ar := domain.AgentRepo{
			ID:            newID(),
			AgentID:       input.Body.AgentID,
			RepoURL:       input.Body.RepoURL,
			DefaultBranch: input.Body.DefaultBranch,
			CreatedAt:     now(),
		}
		if err := r.InsertAgentRepo(ctx, ar); err != nil {
			return nil, handleError(err)
		}
		stored, err := r.GetAgentRepo(ctx, ar.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRepo `json:"body"`
		}{Body: stored}, nil
	})
}

func registerAPIKeys(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		Description:   "The plaintext key is returned once and only its hash is stored.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			ID   string `json:"id"`
			Name string `json:"name,omitempty"`
			Key  string `json:"key"`
		} `json:"body"`
	}, error) {
		plaintext := "dk_" + newID()
		key := domain.APIKey{
			ID:        newID(),
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: now(),
		}
		if err := r.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID   string `json:"id"`
				Name string `json:"name,omitempty"`
				Key  string `json:"key"`
			} `json:"body"`
		}{}
		out.Body.ID = key.ID
		out.Body.Name = key.Name
		out.Body.Key = plaintext
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete an API key",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := r.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"deleted": true}}, nil
	})
}
