// Package events normalizes heterogeneous agent telemetry into the fixed
// payload shapes the execution ledger stores. Upstream integrations disagree
// on key spelling (snake_case vs camelCase) and on which fields they send;
// normalization decouples the ledger schema from that variance.
package events

import "unicode/utf8"

// previewLimit bounds free-text fields stored in event payloads, counted
// in characters so multibyte text is never split mid-rune. The original
// character count is recorded alongside the truncated preview.
const previewLimit = 200

// The closed set of event kinds the ledger understands.
var knownKinds = map[string]struct{}{
	"session_start":      {},
	"tool_call":          {},
	"tool_result":        {},
	"tool_failure":       {},
	"shell_execution":    {},
	"file_edit":          {},
	"mcp_execution":      {},
	"skill_load":         {},
	"agent_thought":      {},
	"agent_response":     {},
	"subagent_start":     {},
	"subagent_stop":      {},
	"approval_requested": {},
	"error":              {},
	"session_end":        {},
}

// Known reports whether the event type belongs to the closed kind set.
// Unknown kinds are stored as opaque payloads.
func Known(eventType string) bool {
	_, ok := knownKinds[eventType]
	return ok
}

// Normalize maps a raw payload to the fixed field set for its kind. Pure;
// unknown kinds pass through unchanged as an opaque variant.
func Normalize(eventType string, raw map[string]any) map[string]any {
	if raw == nil {
		raw = map[string]any{}
	}
	switch eventType {
	case "session_start":
		return map[string]any{
			"model":   str(raw, "model"),
			"resumed": boolOr(raw, false, "resumed"),
		}
	case "tool_call", "tool_result":
		return map[string]any{
			"tool_name":     str(raw, "tool_name", "toolName"),
			"tool_id":       str(raw, "tool_id", "toolId"),
			"arguments":     objOr(raw, "arguments", "args"),
			"success":       boolOr(raw, true, "success"),
			"duration_ms":   numOrNil(raw, "duration_ms", "durationMs"),
			"result_length": resultLength(raw),
		}
	case "tool_failure":
		return map[string]any{
			"tool_name": str(raw, "tool_name", "toolName"),
			"error":     strOr(raw, "Unknown error", "error", "message"),
			"arguments": objOr(raw, "arguments"),
		}
	case "shell_execution":
		return map[string]any{
			"command":       str(raw, "command", "cmd"),
			"exit_code":     numOr(raw, 0, "exit_code", "exitCode"),
			"stdout_length": streamLength(raw, "stdout", "stdout_length"),
			"stderr_length": streamLength(raw, "stderr", "stderr_length"),
			"duration_ms":   numOrNil(raw, "duration_ms", "durationMs"),
		}
	case "file_edit":
		return map[string]any{
			"file_path":     str(raw, "file_path", "filePath", "path"),
			"lines_added":   numOr(raw, 0, "lines_added", "linesAdded"),
			"lines_removed": numOr(raw, 0, "lines_removed", "linesRemoved"),
			"edit_type":     strOr(raw, "edit", "edit_type", "editType"),
		}
	case "mcp_execution":
		return map[string]any{
			"server_name": str(raw, "server_name", "serverName"),
			"tool_name":   str(raw, "tool_name", "toolName"),
			"arguments":   objOr(raw, "arguments"),
			"success":     boolOr(raw, true, "success"),
			"duration_ms": numOrNil(raw, "duration_ms", "durationMs"),
		}
	case "skill_load":
		return map[string]any{
			"skill_name": str(raw, "skill_name", "skillName"),
			"repo_id":    raw["repo_id"],
			"agent_id":   raw["agent_id"],
		}
	case "agent_thought", "agent_response":
		content := str(raw, "content", "message")
		out := map[string]any{
			"content_length":  utf8.RuneCountInString(content),
			"content_preview": truncate(content),
		}
		liftUsage(raw, out)
		return out
	case "subagent_start", "subagent_stop":
		return map[string]any{
			"subagent_id":    str(raw, "subagent_id", "subagentId"),
			"description":    str(raw, "description"),
			"result_summary": str(raw, "result_summary", "resultSummary"),
		}
	case "approval_requested":
		return map[string]any{
			"approval_id":     str(raw, "approval_id"),
			"question":        str(raw, "question"),
			"options":         optionsOr(raw),
			"context_preview": truncate(str(raw, "context")),
		}
	case "error":
		message := strOr(raw, "Unknown error", "message", "error")
		return map[string]any{
			"message":        truncate(message),
			"message_length": utf8.RuneCountInString(message),
			"source":         str(raw, "source"),
		}
	case "session_end":
		out := map[string]any{
			"status":          strOr(raw, "completed", "status"),
			"dod_result":      raw["dod_result"],
			"lines_completed": numOr(raw, 0, "lines_completed", "linesCompleted"),
			"lines_total":     numOr(raw, 0, "lines_total", "linesTotal"),
			"duration_ms":     numOrNil(raw, "duration_ms", "durationMs"),
		}
		liftUsage(raw, out)
		return out
	default:
		return raw
	}
}

// liftUsage copies token/cost accounting when the integration reports it,
// so ledger aggregation can sum usage without reparsing free text.
func liftUsage(raw, out map[string]any) {
	if v, ok := first(raw, "tokens_input", "tokensInput"); ok {
		out["tokens_input"] = v
	}
	if v, ok := first(raw, "tokens_output", "tokensOutput"); ok {
		out["tokens_output"] = v
	}
	if v, ok := first(raw, "total_cost", "totalCost", "cost"); ok {
		out["total_cost"] = v
	}
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	return string([]rune(s)[:previewLimit])
}

func first(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(raw map[string]any, keys ...string) string {
	return strOr(raw, "", keys...)
}

func strOr(raw map[string]any, fallback string, keys ...string) string {
	if v, ok := first(raw, keys...); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func numOr(raw map[string]any, fallback float64, keys ...string) float64 {
	if v, ok := first(raw, keys...); ok {
		if n, ok := asNumber(v); ok {
			return n
		}
	}
	return fallback
}

func numOrNil(raw map[string]any, keys ...string) any {
	if v, ok := first(raw, keys...); ok {
		if n, ok := asNumber(v); ok {
			return n
		}
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func boolOr(raw map[string]any, fallback bool, keys ...string) bool {
	if v, ok := first(raw, keys...); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func objOr(raw map[string]any, keys ...string) map[string]any {
	if v, ok := first(raw, keys...); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

func optionsOr(raw map[string]any) []any {
	if v, ok := raw["options"]; ok {
		if opts, ok := v.([]any); ok {
			return opts
		}
	}
	return []any{}
}

// resultLength prefers an explicit length, falling back to measuring an
// inline string result.
func resultLength(raw map[string]any) any {
	if v, ok := first(raw, "result_length", "resultLength"); ok {
		if n, ok := asNumber(v); ok {
			return n
		}
	}
	if s, ok := raw["result"].(string); ok {
		return float64(len(s))
	}
	return nil
}

func streamLength(raw map[string]any, inlineKey, lengthKey string) float64 {
	if s, ok := raw[inlineKey].(string); ok {
		return float64(len(s))
	}
	return numOr(raw, 0, lengthKey)
}
