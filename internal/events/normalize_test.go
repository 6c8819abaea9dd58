package events

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeFileEditAliases(t *testing.T) {
	got := Normalize("file_edit", map[string]any{
		"filePath":   "internal/api/server.go",
		"linesAdded": float64(12),
	})
	if got["file_path"] != "internal/api/server.go" {
		t.Fatalf("file_path = %v", got["file_path"])
	}
	if got["lines_added"] != float64(12) {
		t.Fatalf("lines_added = %v", got["lines_added"])
	}
	if got["lines_removed"] != float64(0) {
		t.Fatalf("lines_removed default = %v", got["lines_removed"])
	}
	if got["edit_type"] != "edit" {
		t.Fatalf("edit_type default = %v", got["edit_type"])
	}
}

func TestNormalizeSnakeCaseWinsOverCamel(t *testing.T) {
	got := Normalize("tool_call", map[string]any{
		"tool_name": "grep",
		"toolName":  "read",
	})
	if got["tool_name"] != "grep" {
		t.Fatalf("tool_name = %v, want snake_case value", got["tool_name"])
	}
}

func TestNormalizeAgentResponsePreview(t *testing.T) {
	long := strings.Repeat("x", 450)
	got := Normalize("agent_response", map[string]any{"content": long})
	if got["content_length"] != 450 {
		t.Fatalf("content_length = %v", got["content_length"])
	}
	preview, _ := got["content_preview"].(string)
	if len(preview) != previewLimit {
		t.Fatalf("preview length = %d, want %d", len(preview), previewLimit)
	}
}

func TestNormalizePreviewCountsCharacters(t *testing.T) {
	accented := strings.Repeat("é", 250)
	got := Normalize("agent_response", map[string]any{"content": accented})
	if got["content_length"] != 250 {
		t.Fatalf("content_length = %v, want character count 250", got["content_length"])
	}
	preview, _ := got["content_preview"].(string)
	if utf8.RuneCountInString(preview) != previewLimit {
		t.Fatalf("preview = %d characters, want %d", utf8.RuneCountInString(preview), previewLimit)
	}
	if !utf8.ValidString(preview) {
		t.Fatal("preview split a rune")
	}

	short := strings.Repeat("é", 150)
	got = Normalize("error", map[string]any{"message": short})
	if got["message_length"] != 150 {
		t.Fatalf("message_length = %v, want 150", got["message_length"])
	}
	if got["message"] != short {
		t.Fatalf("message under the limit must not truncate")
	}
}

func TestNormalizeShellExecutionMeasuresInlineStreams(t *testing.T) {
	got := Normalize("shell_execution", map[string]any{
		"command": "go test ./...",
		"stdout":  "ok",
		"stderr":  "",
	})
	if got["stdout_length"] != float64(2) {
		t.Fatalf("stdout_length = %v", got["stdout_length"])
	}
	if got["exit_code"] != float64(0) {
		t.Fatalf("exit_code = %v", got["exit_code"])
	}
}

func TestNormalizeToolFailureDefaultsError(t *testing.T) {
	got := Normalize("tool_failure", map[string]any{"toolName": "bash"})
	if got["error"] != "Unknown error" {
		t.Fatalf("error = %v", got["error"])
	}
}

func TestNormalizeSessionEndLiftsUsage(t *testing.T) {
	got := Normalize("session_end", map[string]any{
		"status":       "FINISHED",
		"tokensInput":  float64(1200),
		"tokensOutput": float64(340),
		"totalCost":    0.25,
	})
	if got["tokens_input"] != float64(1200) || got["tokens_output"] != float64(340) {
		t.Fatalf("usage not lifted: %v", got)
	}
	if got["total_cost"] != 0.25 {
		t.Fatalf("total_cost = %v", got["total_cost"])
	}
}

func TestNormalizeUnknownKindPassesThrough(t *testing.T) {
	raw := map[string]any{"anything": "goes", "nested": map[string]any{"k": "v"}}
	got := Normalize("vendor_custom", raw)
	if got["anything"] != "goes" {
		t.Fatalf("unknown kind mutated: %v", got)
	}
	if Known("vendor_custom") {
		t.Fatal("vendor_custom should not be a known kind")
	}
	if !Known("skill_load") {
		t.Fatal("skill_load should be known")
	}
}
