// Package approvals brokers human decision points raised by running
// agents: an agent asks a question, a human answers exactly once, and the
// answer is durable before anything else happens.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/domain"
	"dispatchd/internal/engine"
	"dispatchd/internal/license"
	"dispatchd/internal/notify"
	"dispatchd/internal/repo"
)

// ErrAlreadyResolved rejects a second resolution attempt. The stored
// decision never changes once made.
var ErrAlreadyResolved = errors.New("approvals: already resolved")

// InvalidDecisionError reports a decision outside the allowed set.
type InvalidDecisionError struct {
	Allowed []string
}

func (e InvalidDecisionError) Error() string {
	return fmt.Sprintf("decision must be one of: %s", strings.Join(e.Allowed, ", "))
}

// binaryDecisions apply when an approval carries no option list.
var binaryDecisions = []string{"approve", "reject"}

type Broker struct {
	Repo    repo.Repo
	License *license.Evaluator
	Now     func() time.Time

	// Default notifier plus channel endpoints for per-agent routing.
	Notifier     notify.Notifier
	SlackURL     string
	AgentMailURL string
}

func New(r repo.Repo, lic *license.Evaluator) *Broker {
	return &Broker{Repo: r, License: lic, Now: time.Now, Notifier: notify.None{}}
}

func (b *Broker) now() string { return b.Now().UTC().Format(time.RFC3339) }

// RequestParams raises one approval.
type RequestParams struct {
	WorkOrderID *string
	AgentID     *string
	Question    string
	Options     []string
	Context     json.RawMessage
	ExpiresAt   *string
}

// Request records a pending approval and notifies the agent's configured
// channel. The approval exists even when delivery fails; humans can always
// find it by listing pending approvals.
func (b *Broker) Request(ctx context.Context, p RequestParams) (domain.Approval, error) {
	if !b.License.FeatureEnabled(ctx, "approvals") {
		return domain.Approval{}, license.FeatureError{Feature: "approvals", RequiredTier: license.RequiredTier("approvals")}
	}
	if strings.TrimSpace(p.Question) == "" {
		return domain.Approval{}, engine.ValidationError{Msg: "question is required"}
	}
	approval := domain.Approval{
		ID:          uuid.NewString(),
		WorkOrderID: p.WorkOrderID,
		AgentID:     p.AgentID,
		Question:    p.Question,
		Options:     p.Options,
		Context:     p.Context,
		Status:      domain.ApprovalPending,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   b.now(),
	}
	if err := b.Repo.InsertApproval(ctx, approval); err != nil {
		return domain.Approval{}, err
	}
	notifier, agentName := b.notifierFor(ctx, p.AgentID)
	if err := notifier.ApprovalRequested(ctx, approval, agentName); err != nil {
		log.Printf("approvals: notify for %s failed: %v", approval.ID, err)
	}
	return approval, nil
}

// notifierFor routes by the agent's notification_config channel. The
// channel defaults to slack when unset or when the approval has no agent,
// so a configured Slack webhook delivers without per-agent setup.
func (b *Broker) notifierFor(ctx context.Context, agentID *string) (notify.Notifier, string) {
	channel := "slack"
	if agentID == nil {
		return notify.ForChannel(channel, b.SlackURL, b.AgentMailURL, b.Notifier), ""
	}
	agent, err := b.Repo.GetAgent(ctx, *agentID)
	if err != nil {
		return notify.ForChannel(channel, b.SlackURL, b.AgentMailURL, b.Notifier), ""
	}
	if len(agent.Notification) > 0 {
		var cfg struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(agent.Notification, &cfg); err == nil && cfg.Channel != "" {
			channel = cfg.Channel
		}
	}
	return notify.ForChannel(channel, b.SlackURL, b.AgentMailURL, b.Notifier), agent.Name
}

// Resolve records a decision exactly once. Constrained approvals accept
// only their listed options; unconstrained ones accept approve or reject.
func (b *Broker) Resolve(ctx context.Context, id, decision, decidedBy string) (domain.Approval, error) {
	approval, err := b.Repo.GetApproval(ctx, id)
	if err != nil {
		return domain.Approval{}, err
	}
	if approval.Status != domain.ApprovalPending {
		return domain.Approval{}, ErrAlreadyResolved
	}
	allowed := approval.Options
	if !approval.Constrained() {
		allowed = binaryDecisions
	}
	if !contains(allowed, decision) {
		return domain.Approval{}, InvalidDecisionError{Allowed: allowed}
	}
	applied, err := b.Repo.ResolveApproval(ctx, id, decision, decidedBy, b.now())
	if err != nil {
		return domain.Approval{}, err
	}
	if !applied {
		return domain.Approval{}, ErrAlreadyResolved
	}
	return b.Repo.GetApproval(ctx, id)
}

// List returns approvals with optional status and work order filters.
func (b *Broker) List(ctx context.Context, f repo.ApprovalFilters) ([]domain.Approval, error) {
	return b.Repo.ListApprovals(ctx, f)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
