// Package server exposes the dispatchd HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dispatchd/internal/approvals"
	"dispatchd/internal/config"
	"dispatchd/internal/engine"
	"dispatchd/internal/ledger"
	"dispatchd/internal/license"
	"dispatchd/internal/repo"
)

// Config wires the API handler.
type Config struct {
	App     *config.Config
	Engine  *engine.Engine
	Ledger  *ledger.Ledger
	Broker  *approvals.Broker
	License *license.Evaluator
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"work order not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dispatchd API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.App.Server.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.App, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("dispatchd API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerLicense(group, cfg.License)
	registerAgents(group, cfg.Engine.Repo)
	registerAPIKeys(group, cfg.Engine.Repo)
	registerWorkOrders(group, cfg.Engine, cfg.Ledger)
	registerEvents(group, cfg.Ledger)
	registerApprovals(group, cfg.Broker)
	registerJobs(group, cfg.Engine)
	registerWebhook(router, basePath, cfg.App, cfg.Engine)
	registerStream(router, basePath, cfg.Ledger)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ferr license.FeatureError
	if errors.As(err, &ferr) {
		return newAPIError(http.StatusForbidden, "feature_disabled", err.Error(), map[string]any{
			"feature":       ferr.Feature,
			"required_tier": ferr.RequiredTier,
		})
	}
	var verr engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var derr approvals.InvalidDecisionError
	if errors.As(err, &derr) {
		return newAPIError(http.StatusBadRequest, "invalid_decision", err.Error(), map[string]any{"allowed": derr.Allowed})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, approvals.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	case errors.Is(err, ledger.ErrOrderClosed):
		return newAPIError(http.StatusConflict, "order_closed", err.Error(), nil)
	case errors.Is(err, license.ErrExpired),
		errors.Is(err, license.ErrInvalidSignature),
		errors.Is(err, license.ErrMalformed):
		return newAPIError(http.StatusBadRequest, "invalid_license", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLicense(api huma.API, lic *license.Evaluator) {
	huma.Register(api, huma.Operation{
		OperationID: "activate-license",
		Method:      http.MethodPost,
		Path:        "/license/activate",
		Summary:     "Activate a license key",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Key string `json:"key"`
		} `json:"body"`
	}) (*struct {
		Body license.Grant `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Key) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key is required", nil)
		}
		grant, err := lic.Activate(ctx, input.Body.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body license.Grant `json:"body"`
		}{Body: *grant}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-license",
		Method:      http.MethodGet,
		Path:        "/license",
		Summary:     "Current license grant",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		grant, err := lic.Current(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{"licensed": grant != nil}
		if grant != nil {
			body["grant"] = grant
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func newID() string { return uuid.NewString() }
