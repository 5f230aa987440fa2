package classifier

import (
	"fmt"
	"strings"
)

// SystemInstruction renders the fixed instruction sent with every message.
func SystemInstruction(c Catalog) string {
	var b strings.Builder
	b.WriteString("You route messages for a personal automation assistant.\n")
	b.WriteString("Reply with a single JSON object and nothing else.\n\n")
	b.WriteString("Supported workflows:\n")
	for _, name := range c.Names() {
		wf := c[name]
		fmt.Fprintf(&b, "- %s: %s", wf.Name, wf.Description)
		if len(wf.Required) > 0 {
			fmt.Fprintf(&b, " (required: %s)", strings.Join(wf.Required, ", "))
		}
		if len(wf.Optional) > 0 {
			fmt.Fprintf(&b, " (optional: %s)", strings.Join(wf.Optional, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString(`
Schema:
{"action": "route_to_workflow" | "direct_response" | "need_clarification",
 "workflow": string,       // route_to_workflow only, one of the names above
 "parameters": object,     // route_to_workflow only
 "response": string,       // direct_response only
 "clarification": string}  // need_clarification only

Use need_clarification when a required parameter is missing.
Use direct_response for greetings and questions no workflow covers.
`)
	return b.String()
}
