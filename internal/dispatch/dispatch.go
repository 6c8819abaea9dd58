// Package dispatch launches work orders on an external agent provider and
// signs/verifies the status callbacks the provider pushes back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dispatchd/internal/domain"
)

// LaunchRequest is everything needed to start a provider agent for one
// work order.
type LaunchRequest struct {
	Order        domain.WorkOrder
	RepoURL      string
	Ref          string
	SystemPrompt string
}

// Launcher starts a remote run and returns the provider's agent id, used as
// the correlation id for callbacks.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (string, error)
}

// Client talks to a Cursor-compatible background agent API.
type Client struct {
	BaseURL        string
	APIKey         string
	CallbackURL    string
	CallbackSecret string
	HTTP           *http.Client
}

func NewClient(baseURL, apiKey, callbackURL, callbackSecret string) *Client {
	return &Client{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		CallbackURL:    callbackURL,
		CallbackSecret: callbackSecret,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
	}
}

type launchPayload struct {
	Prompt struct {
		Text string `json:"text"`
	} `json:"prompt"`
	Source struct {
		Repository string `json:"repository"`
		Ref        string `json:"ref,omitempty"`
	} `json:"source"`
	Target struct {
		AutoCreatePR bool `json:"autoCreatePr"`
	} `json:"target"`
	Webhook *struct {
		URL    string `json:"url"`
		Secret string `json:"secret,omitempty"`
	} `json:"webhook,omitempty"`
}

type launchResponse struct {
	ID string `json:"id"`
}

// Launch starts a background agent run. The returned id correlates all
// future callbacks for this work order.
func (c *Client) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if req.RepoURL == "" {
		return "", fmt.Errorf("dispatch: work order %s has no repository", req.Order.ID)
	}
	var payload launchPayload
	payload.Prompt.Text = BuildPrompt(req.Order, req.SystemPrompt)
	payload.Source.Repository = req.RepoURL
	payload.Source.Ref = req.Ref
	payload.Target.AutoCreatePR = true
	if c.CallbackURL != "" {
		payload.Webhook = &struct {
			URL    string `json:"url"`
			Secret string `json:"secret,omitempty"`
		}{URL: c.CallbackURL, Secret: c.CallbackSecret}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.APIKey, "")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("dispatch: launch request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("dispatch: provider returned %d: %s", resp.StatusCode, truncateBody(raw))
	}
	var decoded launchResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("dispatch: decode launch response: %w", err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("dispatch: provider response missing agent id")
	}
	return decoded.ID, nil
}

func truncateBody(raw []byte) string {
	const max = 300
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}

// StatusCallback is the provider's webhook body for run status changes.
type StatusCallback struct {
	Event  string `json:"event"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Source struct {
		Repository string `json:"repository"`
	} `json:"source"`
	Target struct {
		URL          string `json:"url"`
		BranchName   string `json:"branchName"`
		PRURL        string `json:"prUrl"`
		AutoCreatePR bool   `json:"autoCreatePr"`
	} `json:"target"`
	Summary string `json:"summary"`
	Error   string `json:"error"`
}

// TerminalStatus maps a provider run status to a work order status.
// FINISHED is the only success state; everything else terminal is a failure.
func (cb StatusCallback) TerminalStatus() string {
	if cb.Status == "FINISHED" {
		return domain.StatusCompleted
	}
	return domain.StatusFailed
}
