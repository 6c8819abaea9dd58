package domain

import "encoding/json"

// Work order lifecycle states. Transitions are one-directional:
// pending -> running -> completed|failed, plus pending -> cancelled.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Work order sources. Local orders are never dispatched to a provider.
const (
	SourceCloud = "cloud"
	SourceLocal = "local"
	SourceJob   = "job"
)

// TerminalStatus reports whether a work order status is final.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkLine is one concrete task item inside a work order.
type WorkLine struct {
	ID               string `json:"id,omitempty"`
	Title            string `json:"title"`
	DefinitionOfDone string `json:"definition_of_done,omitempty"`
	Status           string `json:"status,omitempty"`
}

type WorkOrder struct {
	ID            string          `json:"id"`
	AgentID       *string         `json:"agent_id,omitempty"`
	RepoID        *string         `json:"repo_id,omitempty"`
	ParentID      *string         `json:"parent_work_order_id,omitempty"`
	Source        string          `json:"source" enum:"cloud,local,job"`
	Objective     *string         `json:"objective,omitempty"`
	Status        string          `json:"status" enum:"pending,running,completed,failed,cancelled"`
	BranchName    *string         `json:"branch_name,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	PRURL         *string         `json:"pr_url,omitempty"`
	Summary       *string         `json:"summary,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	TokensInput   int64           `json:"tokens_input"`
	TokensOutput  int64           `json:"tokens_output"`
	TotalCost     float64         `json:"total_cost"`
	DurationMS    *int64          `json:"duration_ms,omitempty"`
	Lines         []WorkLine      `json:"lines,omitempty"`
	Constraints   json.RawMessage `json:"constraints,omitempty"`
	Hints         json.RawMessage `json:"exploration_hints,omitempty"`
	Verification  json.RawMessage `json:"verification,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
	FinishedAt    *string         `json:"finished_at,omitempty" format:"date-time"`
}

// ExecutionEvent is one append-only ledger entry for a work order run.
// Ordering for display and aggregation is sequence number ascending with
// nulls last, tie-broken by creation time then row id.
type ExecutionEvent struct {
	ID          int64           `json:"id"`
	WorkOrderID *string         `json:"work_order_id,omitempty"`
	AgentID     *string         `json:"agent_id,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Sequence    *int64          `json:"sequence_number,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalResolved = "resolved"
	ApprovalExpired  = "expired"
)

type Approval struct {
	ID          string          `json:"id"`
	WorkOrderID *string         `json:"work_order_id,omitempty"`
	AgentID     *string         `json:"agent_id,omitempty"`
	Question    string          `json:"question"`
	Options     []string        `json:"options"`
	Context     json.RawMessage `json:"context,omitempty"`
	Status      string          `json:"status" enum:"pending,resolved,expired"`
	Decision    *string         `json:"decision,omitempty"`
	DecidedBy   *string         `json:"decided_by,omitempty"`
	DecidedAt   *string         `json:"decided_at,omitempty" format:"date-time"`
	ExpiresAt   *string         `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

// Constrained reports whether the approval restricts the decision to a
// fixed option set. An empty option set means binary approve/reject.
func (a Approval) Constrained() bool { return len(a.Options) > 0 }

type Agent struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   *string         `json:"description,omitempty"`
	SystemPrompt  *string         `json:"system_prompt,omitempty"`
	Status        string          `json:"status" enum:"active,idle,offline,error"`
	LastHeartbeat *string         `json:"last_heartbeat,omitempty" format:"date-time"`
	Notification  json.RawMessage `json:"notification_config,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
}

type AgentRepo struct {
	ID            string  `json:"id"`
	AgentID       *string `json:"agent_id,omitempty"`
	RepoURL       string  `json:"repo_url"`
	DefaultBranch string  `json:"default_branch"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type ScheduledJob struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	CronExpr    string          `json:"cron_expression"`
	AgentID     *string         `json:"agent_id,omitempty"`
	RepoID      *string         `json:"repo_id,omitempty"`
	Template    json.RawMessage `json:"work_order_template"`
	Enabled     bool            `json:"enabled"`
	LastRunAt   *string         `json:"last_run_at,omitempty" format:"date-time"`
	NextRunAt   *string         `json:"next_run_at,omitempty" format:"date-time"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

// JobTemplate is the decoded shape of ScheduledJob.Template.
type JobTemplate struct {
	Objective   *string         `json:"objective,omitempty"`
	Lines       []WorkLine      `json:"lines,omitempty"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
}

type JobRun struct {
	ID           string  `json:"id"`
	JobID        string  `json:"job_id"`
	WorkOrderID  *string `json:"work_order_id,omitempty"`
	Status       string  `json:"status" enum:"pending,running,completed,failed"`
	ErrorMessage *string `json:"error_message,omitempty"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	FinishedAt   *string `json:"finished_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
