// Package ledger is the append-only record of everything an agent did
// while executing a work order. Appends normalize raw telemetry, keep the
// owning agent's heartbeat fresh, and close the work order when the
// session ends.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/engine"
	"dispatchd/internal/events"
	"dispatchd/internal/repo"
)

// ErrOrderClosed rejects appends to a work order that already reached a
// terminal status. The ledger of a finished run is immutable.
var ErrOrderClosed = errors.New("ledger: work order is closed")

type Ledger struct {
	Repo   repo.Repo
	Engine *engine.Engine
	Now    func() time.Time

	// PollInterval drives live streaming. Zero means the default.
	PollInterval time.Duration
}

func New(r repo.Repo, eng *engine.Engine) *Ledger {
	return &Ledger{Repo: r, Engine: eng, Now: time.Now}
}

func (l *Ledger) now() string { return l.Now().UTC().Format(time.RFC3339) }

// AppendParams is one incoming telemetry event.
type AppendParams struct {
	WorkOrderID *string
	AgentID     *string
	EventType   string
	Payload     map[string]any
	Sequence    *int64
}

// Append normalizes and stores one event, returning the stored event plus
// a follow-up instruction for the reporting agent when there is one. Events
// bound to a work order are rejected once the order is terminal. A
// session_end event additionally resolves the order: completed unless the
// session reports failure.
func (l *Ledger) Append(ctx context.Context, p AppendParams) (domain.ExecutionEvent, string, error) {
	if strings.TrimSpace(p.EventType) == "" {
		return domain.ExecutionEvent{}, "", engine.ValidationError{Msg: "event_type is required"}
	}
	if !events.Known(p.EventType) {
		log.Printf("ledger: storing unknown event type %q as opaque payload", p.EventType)
	}
	var order *domain.WorkOrder
	if p.WorkOrderID != nil {
		wo, err := l.Repo.GetWorkOrder(ctx, *p.WorkOrderID)
		if err != nil {
			return domain.ExecutionEvent{}, "", err
		}
		if domain.TerminalStatus(wo.Status) {
			return domain.ExecutionEvent{}, "", ErrOrderClosed
		}
		order = &wo
	}
	normalized := events.Normalize(p.EventType, p.Payload)
	payload, err := json.Marshal(normalized)
	if err != nil {
		return domain.ExecutionEvent{}, "", err
	}
	ev := domain.ExecutionEvent{
		WorkOrderID: p.WorkOrderID,
		AgentID:     p.AgentID,
		EventType:   p.EventType,
		Payload:     payload,
		Sequence:    p.Sequence,
		CreatedAt:   l.now(),
	}
	id, err := l.Repo.InsertEvent(ctx, ev)
	if err != nil {
		return domain.ExecutionEvent{}, "", err
	}
	ev.ID = id
	if p.AgentID != nil {
		if err := l.Repo.TouchAgentHeartbeat(ctx, *p.AgentID, l.now()); err != nil {
			log.Printf("ledger: heartbeat for agent %s: %v", *p.AgentID, err)
		}
	}
	var followup string
	if p.EventType == "session_end" && order != nil {
		followup, err = l.closeSession(ctx, *order, normalized)
		if err != nil {
			return ev, "", err
		}
	}
	return ev, followup, nil
}

// closeSession resolves the order from a session_end payload. When the
// session left work lines unfinished it records a follow-up note in the
// ledger and returns the instruction so the caller can relay it to the
// agent.
func (l *Ledger) closeSession(ctx context.Context, order domain.WorkOrder, payload map[string]any) (string, error) {
	status := domain.StatusCompleted
	if s, _ := payload["status"].(string); s == "failed" || s == "error" {
		status = domain.StatusFailed
	}
	fields := repo.TerminalFields{}
	if v, ok := payload["tokens_input"].(float64); ok {
		n := int64(v)
		fields.TokensInput = &n
	}
	if v, ok := payload["tokens_output"].(float64); ok {
		n := int64(v)
		fields.TokensOutput = &n
	}
	if v, ok := payload["total_cost"].(float64); ok {
		fields.TotalCost = &v
	}
	if v, ok := payload["duration_ms"].(float64); ok {
		n := int64(v)
		fields.DurationMS = &n
	}
	applied, err := l.Engine.ResolveTerminal(ctx, order.ID, status, fields)
	if err != nil {
		return "", err
	}
	if !applied {
		return "", nil
	}
	incomplete := incompleteLines(order.Lines)
	if len(incomplete) == 0 {
		return "", nil
	}
	message := fmt.Sprintf("Session ended with %d unfinished work lines: %s. Review them and dispatch a follow-up work order if needed.",
		len(incomplete), strings.Join(incomplete, ", "))
	note, err := json.Marshal(map[string]any{
		"message":          message,
		"incomplete_lines": incomplete,
	})
	if err != nil {
		return "", err
	}
	_, err = l.Repo.InsertEvent(ctx, domain.ExecutionEvent{
		WorkOrderID: &order.ID,
		EventType:   "followup",
		Payload:     note,
		CreatedAt:   l.now(),
	})
	if err != nil {
		return "", err
	}
	return message, nil
}

// incompleteLines lists line titles with no completion flag or an explicit
// pending status. Anything the agent marked otherwise (in_progress, done)
// is the agent's call and does not trigger a follow-up.
func incompleteLines(lines []domain.WorkLine) []string {
	var titles []string
	for _, line := range lines {
		if line.Status == "" || line.Status == domain.StatusPending {
			titles = append(titles, line.Title)
		}
	}
	return titles
}

// List returns a work order's events in display order.
func (l *Ledger) List(ctx context.Context, workOrderID string, limit int) ([]domain.ExecutionEvent, error) {
	return l.Repo.ListEvents(ctx, workOrderID, limit)
}

// FileChange is the net line delta for one path across a run.
type FileChange struct {
	Path         string  `json:"path"`
	LinesAdded   float64 `json:"lines_added"`
	LinesRemoved float64 `json:"lines_removed"`
	Edits        int     `json:"edits"`
}

// Summary aggregates a run's ledger for reporting.
type Summary struct {
	WorkOrderID  string       `json:"work_order_id"`
	EventCount   int          `json:"event_count"`
	ToolCalls    int          `json:"tool_calls"`
	Errors       int          `json:"errors"`
	Files        []FileChange `json:"files"`
	Skills       []string     `json:"skills"`
	TokensInput  int64        `json:"tokens_input"`
	TokensOutput int64        `json:"tokens_output"`
	TotalCost    float64      `json:"total_cost"`
}

// Aggregate folds a work order's ledger into a summary. File deltas sum
// per path, skills dedupe, and token totals prefer the session_end figures
// over summed per-response increments.
func (l *Ledger) Aggregate(ctx context.Context, workOrderID string) (Summary, error) {
	evs, err := l.Repo.ListEvents(ctx, workOrderID, 0)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{WorkOrderID: workOrderID, EventCount: len(evs)}
	files := map[string]*FileChange{}
	skills := map[string]struct{}{}
	var responseIn, responseOut int64
	var responseCost float64
	var sessionTotals bool
	for _, ev := range evs {
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		switch ev.EventType {
		case "tool_call":
			sum.ToolCalls++
		case "tool_failure", "error":
			sum.Errors++
		case "file_edit":
			path, _ := payload["file_path"].(string)
			if path == "" {
				continue
			}
			fc := files[path]
			if fc == nil {
				fc = &FileChange{Path: path}
				files[path] = fc
			}
			if v, ok := payload["lines_added"].(float64); ok {
				fc.LinesAdded += v
			}
			if v, ok := payload["lines_removed"].(float64); ok {
				fc.LinesRemoved += v
			}
			fc.Edits++
		case "skill_load":
			if name, _ := payload["skill_name"].(string); name != "" {
				skills[name] = struct{}{}
			}
		case "agent_response":
			if v, ok := payload["tokens_input"].(float64); ok {
				responseIn += int64(v)
			}
			if v, ok := payload["tokens_output"].(float64); ok {
				responseOut += int64(v)
			}
			if v, ok := payload["total_cost"].(float64); ok {
				responseCost += v
			}
		case "session_end":
			if v, ok := payload["tokens_input"].(float64); ok {
				sum.TokensInput = int64(v)
				sessionTotals = true
			}
			if v, ok := payload["tokens_output"].(float64); ok {
				sum.TokensOutput = int64(v)
				sessionTotals = true
			}
			if v, ok := payload["total_cost"].(float64); ok {
				sum.TotalCost = v
				sessionTotals = true
			}
		}
	}
	if !sessionTotals {
		sum.TokensInput = responseIn
		sum.TokensOutput = responseOut
		sum.TotalCost = responseCost
	}
	for _, fc := range files {
		sum.Files = append(sum.Files, *fc)
	}
	sort.Slice(sum.Files, func(i, j int) bool { return sum.Files[i].Path < sum.Files[j].Path })
	for name := range skills {
		sum.Skills = append(sum.Skills, name)
	}
	sort.Strings(sum.Skills)
	return sum, nil
}
