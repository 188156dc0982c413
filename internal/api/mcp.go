package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/naviya/webclient/internal/dashboard"
	"github.com/naviya/webclient/internal/feature"
	"github.com/naviya/webclient/internal/router"
	"github.com/naviya/webclient/internal/session"
)

const mcpSettleTimeout = 5 * time.Second

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions  *session.Store
	Navigator *router.Navigator
	Scope     *dashboard.Scope
}

// NewMCPServer creates an MCP server exposing the signed-in user's routing
// and feature gates to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"naviya",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("naviya: session state, route guards and feature gates of the career dashboard."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Report whether a user is signed in, and who."),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("route_decision",
			mcp.WithDescription("Navigate to a path, following guard redirects, and report where the user lands."),
			mcp.WithString("path", mcp.Description("Application path, e.g. /career/roadmap"), mcp.Required()),
		),
		mcpRouteDecision(deps),
	)

	s.AddTool(
		mcp.NewTool("can_access",
			mcp.WithDescription("Check whether the signed-in user can open a dashboard feature."),
			mcp.WithString("feature", mcp.Description("Feature key, e.g. roadmap or mock_interview"), mcp.Required()),
		),
		mcpCanAccess(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_dashboard",
			mcp.WithDescription("Refetch the dashboard state and mentor messages for the signed-in user."),
		),
		mcpRefreshDashboard(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"naviya://dashboard",
			"Dashboard State",
			mcp.WithResourceDescription("Current dashboard snapshot and feature gates as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDashboard(deps),
	)

	return s
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s := deps.Sessions.Get()
		resp := sessionResponse{SignedIn: s != nil, Session: newSessionView(s)}
		if err := deps.Sessions.Degraded(); err != nil {
			resp.Degraded = err.Error()
		}
		return mcpJSON(resp)
	}
}

func mcpRouteDecision(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		res, trail, err := deps.Navigator.Follow(ctx, p)
		if err != nil {
			return mcpError(fmt.Sprintf("navigation failed: %v", err)), nil
		}
		return mcpJSON(struct {
			Trail []string `json:"trail"`
			Page  pageView `json:"page"`
		}{trail, newPageView(res)})
	}
}

func mcpCanAccess(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("feature")
		if err != nil || key == "" {
			return mcpError("feature is required"), nil
		}

		snap, err := settledSnapshot(ctx, deps.Scope)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		a := feature.Access{Key: key, Allowed: snap.CanAccess(key)}
		if !a.Allowed {
			a.Message = feature.UnlockMessage(key)
		}
		return mcpJSON(a)
	}
}

func mcpRefreshDashboard(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := deps.Scope.Acquire()
		if err != nil {
			return mcpError(err.Error()), nil
		}
		snap, err := p.Refresh(ctx)
		if errors.Is(err, dashboard.ErrClosed) {
			return mcpError("the session changed during refresh"), nil
		}
		return mcpJSON(newDashboardView(snap))
	}
}

func mcpResourceDashboard(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap, err := settledSnapshot(ctx, deps.Scope)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(newDashboardView(snap))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dashboard: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// settledSnapshot mounts the provider if needed and waits for its first
// fetch to finish.
func settledSnapshot(ctx context.Context, scope *dashboard.Scope) (dashboard.Snapshot, error) {
	p, err := scope.Acquire()
	if err != nil {
		return dashboard.Snapshot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, mcpSettleTimeout)
	defer cancel()
	return p.Settled(ctx)
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
