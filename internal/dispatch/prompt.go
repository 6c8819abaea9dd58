package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dispatchd/internal/domain"
)

// BuildPrompt renders the launch prompt for a work order. The WORK_ORDER_ID
// header lets the executing agent echo the id back in telemetry; the closing
// instructions are fixed boilerplate the provider-side agent is trained
// against.
func BuildPrompt(order domain.WorkOrder, systemPrompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "WORK_ORDER_ID=%s\n\n", order.ID)
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	if order.Objective != nil && *order.Objective != "" {
		fmt.Fprintf(&b, "## Objective\n%s\n\n", *order.Objective)
	}
	if len(order.Lines) > 0 {
		b.WriteString("## Work Lines\n")
		for i, line := range order.Lines {
			fmt.Fprintf(&b, "%d. %s", i+1, line.Title)
			if line.DefinitionOfDone != "" {
				fmt.Fprintf(&b, "\n   Definition of done: %s", line.DefinitionOfDone)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	writeJSONSection(&b, "Constraints", order.Constraints)
	writeJSONSection(&b, "Exploration Hints", order.Hints)
	writeJSONSection(&b, "Verification", order.Verification)
	b.WriteString("## Instructions\n")
	b.WriteString("Work through the lines in order. Satisfy each line's definition of done before moving on. ")
	b.WriteString("Respect all constraints. Run the verification steps before finishing. ")
	b.WriteString("Open a pull request with your changes and summarize what was done.\n")
	return b.String()
}

func writeJSONSection(b *strings.Builder, title string, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" || string(raw) == "[]" {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	fmt.Fprintf(b, "## %s\n```json\n%s\n```\n\n", title, pretty.String())
}
