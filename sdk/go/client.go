// Package dispatchdsdk is a minimal client for the dispatchd HTTP API,
// intended for agents reporting telemetry and for automation that creates
// and tracks work orders.
package dispatchdsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal dispatchd HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkLine is one task item inside a work order.
type WorkLine struct {
	ID               string `json:"id,omitempty"`
	Title            string `json:"title"`
	DefinitionOfDone string `json:"definition_of_done,omitempty"`
	Status           string `json:"status,omitempty"`
}

// WorkOrder represents the API work order model (partial).
type WorkOrder struct {
	ID            string     `json:"id"`
	AgentID       *string    `json:"agent_id,omitempty"`
	RepoID        *string    `json:"repo_id,omitempty"`
	Source        string     `json:"source"`
	Objective     *string    `json:"objective,omitempty"`
	Status        string     `json:"status"`
	CorrelationID *string    `json:"correlation_id,omitempty"`
	PRURL         *string    `json:"pr_url,omitempty"`
	Summary       *string    `json:"summary,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	Lines         []WorkLine `json:"lines,omitempty"`
	CreatedAt     string     `json:"created_at"`
	FinishedAt    *string    `json:"finished_at,omitempty"`
}

// Event is one execution ledger entry.
type Event struct {
	ID          int64           `json:"id"`
	WorkOrderID *string         `json:"work_order_id,omitempty"`
	AgentID     *string         `json:"agent_id,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Sequence    *int64          `json:"sequence_number,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// Approval is a pending or resolved human decision point.
type Approval struct {
	ID          string   `json:"id"`
	WorkOrderID *string  `json:"work_order_id,omitempty"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Status      string   `json:"status"`
	Decision    *string  `json:"decision,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkOrderRequest is the create payload.
type CreateWorkOrderRequest struct {
	AgentID   *string        `json:"agent_id,omitempty"`
	RepoID    *string        `json:"repo_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Objective *string        `json:"objective,omitempty"`
	Lines     []WorkLine     `json:"lines,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Dispatch  bool           `json:"dispatch,omitempty"`
}

// CreateWorkOrder creates a work order, optionally dispatching it.
func (c *Client) CreateWorkOrder(ctx context.Context, req CreateWorkOrderRequest) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders", req, &resp)
	return resp, err
}

// GetWorkOrder fetches a work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, "work-orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorkOrders lists work orders filtered by status.
func (c *Client) ListWorkOrders(ctx context.Context, status string) ([]WorkOrder, error) {
	endpoint := "work-orders"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []WorkOrder
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DispatchWorkOrder launches a pending work order on the provider.
func (c *Client) DispatchWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp struct {
		Order WorkOrder `json:"order"`
	}
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/dispatch", nil, &resp)
	return resp.Order, err
}

// CancelWorkOrder cancels a pending work order.
func (c *Client) CancelWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// IngestResult is the stored event plus any follow-up instruction the
// control plane wants relayed to the agent.
type IngestResult struct {
	Event
	FollowupMessage string `json:"followup_message,omitempty"`
}

// IngestEvent reports one execution event.
func (c *Client) IngestEvent(ctx context.Context, workOrderID, agentID *string, eventType string, payload map[string]any, sequence *int64) (IngestResult, error) {
	body := map[string]any{
		"event_type": eventType,
		"payload":    payload,
	}
	if workOrderID != nil {
		body["work_order_id"] = *workOrderID
	}
	if agentID != nil {
		body["agent_id"] = *agentID
	}
	if sequence != nil {
		body["sequence_number"] = *sequence
	}
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp, err
}

// ListEvents returns a work order's events in display order.
func (c *Client) ListEvents(ctx context.Context, workOrderID string, limit int) ([]Event, error) {
	endpoint := "work-orders/" + url.PathEscape(workOrderID) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestApproval raises an approval question.
func (c *Client) RequestApproval(ctx context.Context, workOrderID *string, question string, options []string) (Approval, error) {
	body := map[string]any{
		"question": question,
		"options":  options,
	}
	if workOrderID != nil {
		body["work_order_id"] = *workOrderID
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals", body, &resp)
	return resp, err
}

// ResolveApproval records a decision.
func (c *Client) ResolveApproval(ctx context.Context, id, decision, decidedBy string) (Approval, error) {
	body := map[string]any{
		"decision":   decision,
		"decided_by": decidedBy,
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(id)+"/resolve", body, &resp)
	return resp, err
}

// StreamEvents tails a work order's ledger as NDJSON, invoking handle for
// each event until the order finishes or ctx is cancelled.
func (c *Client) StreamEvents(ctx context.Context, workOrderID string, cursor int64, handle func(Event) error) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	endpoint := fmt.Sprintf("%s/api/v1/work-orders/%s/events/stream", c.base(), url.PathEscape(workOrderID))
	if cursor > 0 {
		endpoint = fmt.Sprintf("%s?cursor=%d", endpoint, cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	// Streaming responses cannot use the client timeout.
	streamClient := &http.Client{Transport: c.HTTPClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	dec := json.NewDecoder(resp.Body)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := handle(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/api/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
