// Package classifier turns free-text chat messages into a routing Decision by
// asking an OpenAI-compatible completion service. The service's output is
// untrusted: it is parsed into a tagged union and validated before anyone
// branches on it.
package classifier

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedOutput is returned when the completion service answers with
// something that is not a valid Decision.
var ErrMalformedOutput = errors.New("classifier: malformed output")

// Action is the Decision discriminant.
type Action string

const (
	ActionRouteToWorkflow   Action = "route_to_workflow"
	ActionDirectResponse    Action = "direct_response"
	ActionNeedClarification Action = "need_clarification"
)

// FallbackResponse is sent when classification fails.
const FallbackResponse = "How can I help you today?"

// Decision is the classified intent of one message. Which optional fields
// are set depends on Action.
type Decision struct {
	Action        Action         `json:"action"`
	Workflow      string         `json:"workflow,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Response      string         `json:"response,omitempty"`
	Clarification string         `json:"clarification,omitempty"`
}

// Fallback is the decision used whenever classification cannot be trusted.
func Fallback() Decision {
	return Decision{Action: ActionDirectResponse, Response: FallbackResponse}
}

// Workflow describes one supported automation and the parameters it needs.
type Workflow struct {
	Name        string
	Description string
	Required    []string
	Optional    []string
}

// DefaultWorkflows is the finite set of automations the executor runs.
var DefaultWorkflows = []Workflow{
	{Name: "weather", Description: "current weather or forecast for a place", Required: []string{"city"}},
	{Name: "reminder", Description: "schedule a reminder", Required: []string{"text"}, Optional: []string{"at"}},
	{Name: "web_search", Description: "search the web and summarise results", Required: []string{"query"}},
	{Name: "email_summary", Description: "summarise recent email", Optional: []string{"folder"}},
	{Name: "calendar", Description: "list upcoming calendar events", Optional: []string{"range"}},
}

// Catalog indexes workflows by name.
type Catalog map[string]Workflow

// NewCatalog builds a Catalog from workflows.
func NewCatalog(workflows []Workflow) Catalog {
	c := make(Catalog, len(workflows))
	for _, w := range workflows {
		c[w.Name] = w
	}
	return c
}

// Names returns the workflow names in a stable order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks d against the tagged-union contract and the catalog.
func (d Decision) Validate(c Catalog) error {
	switch d.Action {
	case ActionDirectResponse:
		if strings.TrimSpace(d.Response) == "" {
			return fmt.Errorf("%w: direct_response without response", ErrMalformedOutput)
		}
	case ActionNeedClarification:
		if strings.TrimSpace(d.Clarification) == "" {
			return fmt.Errorf("%w: need_clarification without clarification", ErrMalformedOutput)
		}
	case ActionRouteToWorkflow:
		wf, ok := c[d.Workflow]
		if !ok {
			return fmt.Errorf("%w: unknown workflow %q", ErrMalformedOutput, d.Workflow)
		}
		for _, name := range wf.Required {
			v, ok := d.Parameters[name]
			if !ok || v == nil || fmt.Sprint(v) == "" {
				return fmt.Errorf("%w: workflow %s missing parameter %q", ErrMalformedOutput, d.Workflow, name)
			}
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedOutput, d.Action)
	}
	return nil
}

// Label is the usage/metrics label for d.
func (d Decision) Label() string {
	if d.Action == ActionRouteToWorkflow {
		return "workflow:" + d.Workflow
	}
	return string(d.Action)
}
