package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the chatgate operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAccessState = mcp.NewTool("get_access_state",
	mcp.WithDescription(
		"Look up a chatgate profile and explain whether its chat messages are currently let through. "+
			"Shows tier, access state (active_paid, active_trial, trial_expired, no_access), trial days left, "+
			"remaining credits, and the linked chat and billing references."),
	mcp.WithString("profile_id",
		mcp.Required(),
		mcp.Description("The profile id (e.g. 'prf_0123...')")),
)

var ToolListUsage = mcp.NewTool("list_usage",
	mcp.WithDescription(
		"List the most recent routed messages for a profile with the action taken for each "+
			"(direct_response, need_clarification, workflow:<name>, upgrade_required, out_of_credits, ...)."),
	mcp.WithString("profile_id",
		mcp.Required(),
		mcp.Description("The profile id (e.g. 'prf_0123...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20, max 500)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_usage answer, to fetch older records")),
)

var ToolStartTrial = mcp.NewTool("start_trial",
	mcp.WithDescription(
		"Start the one-time free trial for a profile. Only works within 24 hours of signup and once per profile. "+
			"Returns the profile's access state afterwards."),
	mcp.WithString("profile_id",
		mcp.Required(),
		mcp.Description("The profile id (e.g. 'prf_0123...')")),
)

var ToolLinkChat = mcp.NewTool("link_chat",
	mcp.WithDescription(
		"Link a Telegram chat id to a profile so messages from that chat are attributed to it. "+
			"A chat can belong to only one profile."),
	mcp.WithString("profile_id",
		mcp.Required(),
		mcp.Description("The profile id (e.g. 'prf_0123...')")),
	mcp.WithString("chat_id",
		mcp.Required(),
		mcp.Description("Numeric Telegram chat id, negative for groups")),
)
