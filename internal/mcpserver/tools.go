package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	// List Sessions tool
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all supervised sessions with their state. Use this first to get session IDs for other operations."),
		),
		listSessionsHandler(cfg, log),
	)

	// Create Session tool
	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Create a new agent session in a working directory. The session starts in CREATED state; use start_session to launch the agent."),
			mcp.WithString("directory",
				mcp.Required(),
				mcp.Description("Absolute path of the working directory for the session"),
			),
			mcp.WithString("adapter",
				mcp.Description("Runner adapter to use, e.g. claude or codex (optional, defaults to the configured adapter)"),
			),
			mcp.WithString("session_name",
				mcp.Description("Human-readable session name (optional)"),
			),
		),
		createSessionHandler(cfg, log),
	)

	// Start Session tool
	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a created session with an initial prompt. Only valid for sessions in CREATED state."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to start"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The initial prompt to send to the agent"),
			),
			mcp.WithNumber("approval_choice",
				mcp.Description("Approval policy: 1 = auto-approve edits, 2 = auto-approve all (optional, default 1)"),
			),
		),
		startSessionHandler(cfg, log),
	)

	// Send Input tool
	s.AddTool(
		mcp.NewTool("send_input",
			mcp.WithDescription("Send a text message to a running session. Only valid for sessions in RUNNING or AWAITING_INPUT state."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to send input to"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		sendInputHandler(cfg, log),
	)

	// Stop Session tool
	s.AddTool(
		mcp.NewTool("stop_session",
			mcp.WithDescription("Stop a running session. The session transitions through STOPPING to STOPPED."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to stop"),
			),
		),
		stopSessionHandler(cfg, log),
	)

	// Get Events tool
	s.AddTool(
		mcp.NewTool("get_events",
			mcp.WithDescription("Read a session's event log: agent output, state changes, permission requests and resolutions."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to read events from"),
			),
			mcp.WithNumber("since_seq",
				mcp.Description("Only return events with sequence number greater than this (optional, default 0 = from the beginning)"),
			),
			mcp.WithString("types",
				mcp.Description("Comma-separated list of event types to include (optional)"),
			),
		),
		getEventsHandler(cfg, log),
	)

	// Approve Permission tool
	s.AddTool(
		mcp.NewTool("approve_permission",
			mcp.WithDescription("Resolve a pending permission request for a session. Requests are first-writer-wins; a request that was already resolved or timed out returns an error."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID the permission request belongs to"),
			),
			mcp.WithString("request_id",
				mcp.Required(),
				mcp.Description("The permission request ID, from a permission_request event"),
			),
			mcp.WithBoolean("allow",
				mcp.Required(),
				mcp.Description("true to approve, false to deny"),
			),
			mcp.WithString("option_selected",
				mcp.Description("Option ID to select when the request offers options (optional)"),
			),
			mcp.WithString("message",
				mcp.Description("Free-text note passed back to the agent (optional)"),
			),
		),
		approvePermissionHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

// apiGet fetches a perch API path and returns the raw JSON body, attaching
// the bearer token when configured.
func apiGet(ctx context.Context, cfg Config, path string) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PerchURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, resp.StatusCode, nil
}

// apiPost sends a JSON body to a perch API path and returns the raw JSON
// response.
func apiPost(ctx context.Context, cfg Config, path string, payload any) (json.RawMessage, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.PerchURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, resp.StatusCode, nil
}

func toolResult(result json.RawMessage, status int) *mcp.CallToolResult {
	if status >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(result)))
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted))
}

func listSessionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, status, err := apiGet(ctx, cfg, "/api/sessions")
		if err != nil {
			log.Error("failed to fetch sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch sessions: %v", err)), nil
		}
		return toolResult(result, status), nil
	}
}

func createSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		directory, err := req.RequireString("directory")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"directory": directory,
		}
		if adapter := req.GetString("adapter", ""); adapter != "" {
			payload["adapter"] = adapter
		}
		if name := req.GetString("session_name", ""); name != "" {
			payload["session_name"] = name
		}

		result, status, err := apiPost(ctx, cfg, "/api/sessions", payload)
		if err != nil {
			log.Error("failed to create session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create session: %v", err)), nil
		}
		return toolResult(result, status), nil
	}
}

func startSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"prompt":          prompt,
			"approval_choice": req.GetInt("approval_choice", 1),
		}

		result, status, err := apiPost(ctx, cfg, "/api/sessions/"+url.PathEscape(sessionID)+"/start", payload)
		if err != nil {
			log.Error("failed to start session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start session: %v", err)), nil
		}
		return toolResult(result, status), nil
	}
}

func sendInputHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{"text": text}

		result, status, err := apiPost(ctx, cfg, "/api/sessions/"+url.PathEscape(sessionID)+"/input", payload)
		if err != nil {
			log.Error("failed to send input", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send input: %v", err)), nil
		}
		return toolResult(result, status), nil
	}
}

func stopSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, status, err := apiPost(ctx, cfg, "/api/sessions/"+url.PathEscape(sessionID)+"/stop", map[string]interface{}{})
		if err != nil {
			log.Error("failed to stop session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to stop session: %v", err)), nil
		}
		return toolResult(result, status), nil
	}
}

func getEventsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		query := url.Values{}
		if since := req.GetInt("since_seq", 0); since > 0 {
			query.Set("since_seq", fmt.Sprintf("%d", since))
		}
		if types := req.GetString("types", ""); types != "" {
			query.Set("types", types)
		}
		path := "/api/sessions/" + url.PathEscape(sessionID) + "/events"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		result, status, err := apiGet(ctx, cfg, path)
		if err != nil {
			log.Error("failed to fetch events", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch events: %v", err)), nil
		}
		return toolResult(result, status), nil
	}
}

func approvePermissionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		allow, err := req.RequireBool("allow")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"request_id":  requestID,
			"allow":       allow,
			"resolved_by": "mcp",
		}
		if option := req.GetString("option_selected", ""); option != "" {
			payload["option_selected"] = option
		}
		if message := req.GetString("message", ""); message != "" {
			payload["message"] = message
		}

		result, status, err := apiPost(ctx, cfg, "/api/sessions/"+url.PathEscape(sessionID)+"/permission", payload)
		if err != nil {
			log.Error("failed to resolve permission", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve permission: %v", err)), nil
		}
		return toolResult(result, status), nil
	}
}
