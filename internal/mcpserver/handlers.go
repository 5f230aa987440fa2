package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/chatgate/internal/admin"
	"github.com/mbd888/chatgate/internal/usage"
)

const defaultUsageLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAccessState describes a profile's gate status.
func (h *Handlers) HandleGetAccessState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("profile_id", ""))
	if id == "" {
		return mcp.NewToolResultError("profile_id is required"), nil
	}

	v, err := h.client.GetProfile(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get profile: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAccessState(v)), nil
}

// HandleListUsage lists recent usage records.
func (h *Handlers) HandleListUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("profile_id", ""))
	if id == "" {
		return mcp.NewToolResultError("profile_id is required"), nil
	}
	limit := req.GetInt("limit", defaultUsageLimit)

	page, err := h.client.ListUsage(ctx, id, strings.TrimSpace(req.GetString("cursor", "")), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list usage: %v", err)), nil
	}
	return mcp.NewToolResultText(formatUsage(id, page)), nil
}

// HandleStartTrial starts a profile's one-time trial.
func (h *Handlers) HandleStartTrial(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("profile_id", ""))
	if id == "" {
		return mcp.NewToolResultError("profile_id is required"), nil
	}

	v, err := h.client.StartTrial(ctx, id)
	if IsConflict(err, "trial_used", "trial_ineligible") {
		return mcp.NewToolResultError(fmt.Sprintf("Trial not started: %v", err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start trial: %v", err)), nil
	}
	return mcp.NewToolResultText("Trial started.\n\n" + formatAccessState(v)), nil
}

// HandleLinkChat binds a chat id to a profile.
func (h *Handlers) HandleLinkChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("profile_id", ""))
	chatID := strings.TrimSpace(req.GetString("chat_id", ""))
	if id == "" || chatID == "" {
		return mcp.NewToolResultError("profile_id and chat_id are required"), nil
	}

	v, err := h.client.BindChat(ctx, id, chatID)
	if IsConflict(err, "chat_taken") {
		return mcp.NewToolResultError(fmt.Sprintf("Chat %s is already linked to another profile.", chatID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to link chat: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAccessState(v)), nil
}

func formatAccessState(v *admin.ProfileView) string {
	p := v.Profile
	var sb strings.Builder
	fmt.Fprintf(&sb, "Profile %s\n", p.ID)
	if p.Email != "" {
		fmt.Fprintf(&sb, "  Email: %s\n", p.Email)
	}
	fmt.Fprintf(&sb, "  Tier: %s\n", p.Tier)
	fmt.Fprintf(&sb, "  Access: %s\n", v.Access.State)
	if v.Access.DaysRemaining > 0 {
		fmt.Fprintf(&sb, "  Trial days left: %d\n", v.Access.DaysRemaining)
	}
	if v.Access.TrialEligible {
		sb.WriteString("  Trial: not started, still eligible\n")
	}
	fmt.Fprintf(&sb, "  Credits: %d remaining, %d used\n", p.CreditsRemaining, p.CreditsUsed)
	if p.ChatID != "" {
		fmt.Fprintf(&sb, "  Chat: %s\n", p.ChatID)
	} else {
		sb.WriteString("  Chat: not linked\n")
	}
	if p.SubscriptionStatus != "" {
		fmt.Fprintf(&sb, "  Subscription: %s (%s)\n", p.StripeSubscriptionID, p.SubscriptionStatus)
	}
	if p.LastActivityAt != nil {
		fmt.Fprintf(&sb, "  Last activity: %s\n", p.LastActivityAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatUsage(profileID string, page *usage.Page) string {
	records := page.Records
	if len(records) == 0 {
		return fmt.Sprintf("No usage recorded for %s.", profileID)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recent message(s) for %s:\n\n", len(records), profileID)
	for i, r := range records {
		fmt.Fprintf(&sb, "%d. %s  %s", i+1, r.CreatedAt.UTC().Format(time.RFC3339), r.Action)
		if r.MessageRef != "" {
			fmt.Fprintf(&sb, "  (%s)", r.MessageRef)
		}
		sb.WriteString("\n")
	}
	if page.NextCursor != "" {
		fmt.Fprintf(&sb, "\nOlder records available, pass cursor %q.\n", page.NextCursor)
	}
	return sb.String()
}
