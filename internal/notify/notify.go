// Package notify delivers human-facing alerts for pending approvals.
// Delivery failures are reported to the caller but never block the
// approval itself.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dispatchd/internal/domain"
)

// Notifier pushes an approval request to a human channel.
type Notifier interface {
	ApprovalRequested(ctx context.Context, approval domain.Approval, agentName string) error
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Slack posts Block Kit messages to an incoming webhook.
type Slack struct {
	WebhookURL string
}

func (s Slack) ApprovalRequested(ctx context.Context, approval domain.Approval, agentName string) error {
	header := "Approval needed"
	if agentName != "" {
		header = fmt.Sprintf("Approval needed: %s", agentName)
	}
	body := fmt.Sprintf("*%s*", approval.Question)
	if preview := contextPreview(approval.Context); preview != "" {
		body += fmt.Sprintf("\n```%s```", preview)
	}
	options := approval.Options
	if !approval.Constrained() {
		options = []string{"approve", "reject"}
	}
	buttons := make([]map[string]any, 0, len(options))
	for _, opt := range options {
		buttons = append(buttons, map[string]any{
			"type":      "button",
			"text":      map[string]any{"type": "plain_text", "text": opt},
			"value":     fmt.Sprintf("%s:%s", approval.ID, opt),
			"action_id": "approval_" + opt,
		})
	}
	payload := map[string]any{
		"blocks": []map[string]any{
			{"type": "header", "text": map[string]any{"type": "plain_text", "text": header}},
			{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": body}},
			{"type": "actions", "elements": buttons},
			{"type": "context", "elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("or `POST /api/v1/approvals/%s/resolve` with a decision", approval.ID)},
			}},
		},
	}
	return post(ctx, s.WebhookURL, payload)
}

// AgentMail delivers approval requests through an AgentMail inbox endpoint.
type AgentMail struct {
	URL string
}

func (m AgentMail) ApprovalRequested(ctx context.Context, approval domain.Approval, agentName string) error {
	payload := map[string]any{
		"subject":          fmt.Sprintf("Approval needed: %s", approval.Question),
		"approval_id":      approval.ID,
		"agent":            agentName,
		"question":         approval.Question,
		"options":          approval.Options,
		"resolve_endpoint": fmt.Sprintf("/api/v1/approvals/%s/resolve", approval.ID),
	}
	if preview := contextPreview(approval.Context); preview != "" {
		payload["context"] = preview
	}
	return post(ctx, m.URL, payload)
}

// None swallows notifications. Used when no channel is configured.
type None struct{}

func (None) ApprovalRequested(context.Context, domain.Approval, string) error { return nil }

// ForChannel picks a notifier from an agent's notification_config channel
// name, falling back to the given default.
func ForChannel(channel, slackURL, agentMailURL string, fallback Notifier) Notifier {
	switch channel {
	case "slack":
		if slackURL != "" {
			return Slack{WebhookURL: slackURL}
		}
	case "agentmail":
		if agentMailURL != "" {
			return AgentMail{URL: agentMailURL}
		}
	case "none":
		return None{}
	}
	if fallback != nil {
		return fallback
	}
	return None{}
}

const contextPreviewLimit = 500

// contextPreview renders the approval's context blob for a human channel,
// truncated so one giant diff cannot blow past Slack's block limits.
func contextPreview(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return ""
	}
	s := string(raw)
	if len(s) > contextPreviewLimit {
		s = s[:contextPreviewLimit] + "…"
	}
	return s
}

func post(ctx context.Context, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("notify: no endpoint configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
